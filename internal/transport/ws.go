package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxops/call-reconciler/internal/observability"
)

// wire message envelope from the media transport's event bridge
type wireMessage struct {
	Event       string            `json:"event"`
	Identity    string            `json:"identity,omitempty"`
	Name        string            `json:"name,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Segments    []wireSegment     `json:"segments,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	LocalIdent  string            `json:"localIdentity,omitempty"`
	Remotes     []wireParticipant `json:"remoteParticipants,omitempty"`
}

type wireParticipant struct {
	Identity   string            `json:"identity"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type wireSegment struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Final      bool   `json:"final"`
	ReceivedMs int64  `json:"receivedMs"`
}

type muteRequest struct {
	Event string `json:"event"`
	Muted bool   `json:"muted"`
}

// WSDialer opens sessions against the media transport's WebSocket event
// bridge. The bridge relays room membership and transcription events as JSON
// messages on a single ordered stream.
type WSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer creates a WSDialer with default handshake settings.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Connect dials the event bridge and waits for the initial "connected"
// message carrying the local identity and the current room roster. The read
// loop then delivers events to the handler one at a time, preserving wire
// order.
func (d *WSDialer) Connect(ctx context.Context, url, token string, handler EventHandler) (Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial transport: %w", err)
	}

	var hello wireMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read transport hello: %w", err)
	}
	if hello.Event != "connected" {
		conn.Close()
		return nil, fmt.Errorf("unexpected transport hello event %q", hello.Event)
	}

	s := &wsSession{
		conn:          conn,
		localIdentity: hello.LocalIdent,
		handler:       handler,
		remotes:       make(map[string]Participant),
		logger:        observability.GetLogger().With().Str("component", "transport").Logger(),
	}
	for _, p := range hello.Remotes {
		s.remotes[p.Identity] = Participant{Identity: p.Identity, Name: p.Name, Attributes: p.Attributes}
	}

	go s.readLoop()

	return s, nil
}

// wsSession is a Session backed by one WebSocket connection.
type wsSession struct {
	conn          *websocket.Conn
	localIdentity string
	handler       EventHandler
	logger        zerolog.Logger

	mu      sync.RWMutex
	remotes map[string]Participant

	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (s *wsSession) LocalIdentity() string {
	return s.localIdentity
}

func (s *wsSession) RemoteParticipants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.remotes))
	for _, p := range s.remotes {
		out = append(out, p)
	}
	return out
}

func (s *wsSession) SetMuted(muted bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(muteRequest{Event: "set_muted", Muted: muted}); err != nil {
		return fmt.Errorf("failed to send mute request: %w", err)
	}
	return nil
}

func (s *wsSession) Disconnect() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

// readLoop processes messages from the event bridge until the connection
// drops. All handler callbacks run on this goroutine, which gives the core
// its in-order, one-at-a-time delivery guarantee.
func (s *wsSession) readLoop() {
	closeReason := "connection closed"
	defer func() {
		s.conn.Close()
		if s.handler.OnClosed != nil {
			s.handler.OnClosed(closeReason)
		}
	}()

	for {
		var msg wireMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// A clean close frame without a "closed" event still ends
				// the session normally.
				closeReason = "remote close"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Transport read error")
			}
			return
		}

		switch msg.Event {
		case "participant_joined":
			p := Participant{Identity: msg.Identity, Name: msg.Name, Attributes: msg.Attributes}
			s.mu.Lock()
			s.remotes[p.Identity] = p
			s.mu.Unlock()
			if s.handler.OnParticipantJoined != nil {
				s.handler.OnParticipantJoined(p)
			}

		case "participant_left":
			s.mu.Lock()
			p, known := s.remotes[msg.Identity]
			delete(s.remotes, msg.Identity)
			s.mu.Unlock()
			if !known {
				p = Participant{Identity: msg.Identity, Name: msg.Name}
			}
			if s.handler.OnParticipantLeft != nil {
				s.handler.OnParticipantLeft(p)
			}

		case "transcription":
			if len(msg.Segments) == 0 {
				continue
			}
			segs := make([]SegmentEvent, 0, len(msg.Segments))
			for _, ws := range msg.Segments {
				segs = append(segs, SegmentEvent{
					SegmentID:           ws.ID,
					ParticipantIdentity: msg.Identity,
					Text:                ws.Text,
					IsFinal:             ws.Final,
					FirstReceivedMs:     ws.ReceivedMs,
				})
			}
			if s.handler.OnSegments != nil {
				s.handler.OnSegments(msg.Identity, segs)
			}

		case "closed":
			reason := msg.Reason
			if reason == "" {
				reason = "remote close"
			}
			s.conn.Close()
			// defer delivers OnClosed with the generic reason; override here
			// so the explicit reason wins.
			if s.handler.OnClosed != nil {
				s.handler.OnClosed(reason)
				s.handler.OnClosed = nil
			}
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Ignoring unknown transport event")
		}
	}
}