package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridge is a fake media-transport event bridge for tests.
type bridge struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	gotAuth  string
	upgrader websocket.Upgrader
	hello    wireMessage
	reads    chan wireMessage
}

func newBridge(hello wireMessage) *bridge {
	return &bridge{hello: hello, reads: make(chan wireMessage, 16)}
}

func (b *bridge) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.gotAuth = r.Header.Get("Authorization")
		b.mu.Unlock()

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Bridge upgrade failed: %v", err)
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		if err := conn.WriteJSON(b.hello); err != nil {
			t.Errorf("Bridge hello failed: %v", err)
			return
		}

		go func() {
			for {
				var msg wireMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				b.reads <- msg
			}
		}()
	}
}

func (b *bridge) send(t *testing.T, msg wireMessage) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteJSON(msg); err != nil {
		t.Fatalf("Bridge send failed: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Condition never met")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConnect(t *testing.T) {
	b := newBridge(wireMessage{
		Event:      "connected",
		LocalIdent: "web-abc",
		Remotes: []wireParticipant{
			{Identity: "agent-1", Attributes: map[string]string{"agent.state": "idle"}},
		},
	})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	sess, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok-123", EventHandler{})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer sess.Disconnect()

	if sess.LocalIdentity() != "web-abc" {
		t.Errorf("Expected local identity 'web-abc', got '%s'", sess.LocalIdentity())
	}

	remotes := sess.RemoteParticipants()
	if len(remotes) != 1 || remotes[0].Identity != "agent-1" {
		t.Errorf("Expected initial roster with agent-1, got %+v", remotes)
	}

	b.mu.Lock()
	auth := b.gotAuth
	b.mu.Unlock()
	if auth != "Bearer tok-123" {
		t.Errorf("Expected bearer token header, got %q", auth)
	}
}

func TestConnect_BadHello(t *testing.T) {
	b := newBridge(wireMessage{Event: "garbage"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	_, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", EventHandler{})
	if err == nil {
		t.Fatal("Expected error for unexpected hello event")
	}
}

func TestSession_DeliversEventsInOrder(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	var mu sync.Mutex
	var order []string
	var segs []SegmentEvent

	handler := EventHandler{
		OnParticipantJoined: func(p Participant) {
			mu.Lock()
			order = append(order, "join:"+p.Identity)
			mu.Unlock()
		},
		OnParticipantLeft: func(p Participant) {
			mu.Lock()
			order = append(order, "left:"+p.Identity)
			mu.Unlock()
		},
		OnSegments: func(source string, s []SegmentEvent) {
			mu.Lock()
			order = append(order, "segments:"+source)
			segs = append(segs, s...)
			mu.Unlock()
		},
	}

	sess, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", handler)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer sess.Disconnect()

	b.send(t, wireMessage{Event: "participant_joined", Identity: "agent-1", Attributes: map[string]string{"agent.state": "idle"}})
	b.send(t, wireMessage{Event: "transcription", Identity: "agent-1", Segments: []wireSegment{
		{ID: "a", Text: "Hel", Final: false, ReceivedMs: 100},
		{ID: "a", Text: "Hello", Final: true, ReceivedMs: 100},
	}})
	b.send(t, wireMessage{Event: "participant_left", Identity: "agent-1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"join:agent-1", "segments:agent-1", "left:agent-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if len(segs) != 2 || segs[0].Text != "Hel" || segs[1].Text != "Hello" {
		t.Errorf("Unexpected segments: %+v", segs)
	}
	if segs[0].ParticipantIdentity != "agent-1" {
		t.Errorf("Expected segment attributed to agent-1, got %s", segs[0].ParticipantIdentity)
	}
}

func TestSession_RosterTracksJoinsAndLeaves(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	joined := make(chan struct{}, 4)
	handler := EventHandler{
		OnParticipantJoined: func(Participant) { joined <- struct{}{} },
		OnParticipantLeft:   func(Participant) { joined <- struct{}{} },
	}

	sess, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", handler)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer sess.Disconnect()

	b.send(t, wireMessage{Event: "participant_joined", Identity: "agent-1"})
	<-joined
	if len(sess.RemoteParticipants()) != 1 {
		t.Errorf("Expected 1 remote, got %d", len(sess.RemoteParticipants()))
	}

	b.send(t, wireMessage{Event: "participant_left", Identity: "agent-1"})
	<-joined
	if len(sess.RemoteParticipants()) != 0 {
		t.Errorf("Expected empty roster, got %d", len(sess.RemoteParticipants()))
	}
}

func TestSession_ClosedEventFiresOnce(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	closed := make(chan string, 4)
	handler := EventHandler{
		OnClosed: func(reason string) { closed <- reason },
	}

	_, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", handler)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	b.send(t, wireMessage{Event: "closed", Reason: "room deleted"})

	select {
	case reason := <-closed:
		if reason != "room deleted" {
			t.Errorf("Expected reason 'room deleted', got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}

	select {
	case reason := <-closed:
		t.Errorf("OnClosed fired again with %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_NormalCloseFrameIsRemoteClose(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	closed := make(chan string, 1)
	handler := EventHandler{
		OnClosed: func(reason string) { closed <- reason },
	}

	_, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", handler)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	// The bridge hangs up with a clean close frame and no "closed" event.
	b.mu.Lock()
	b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	b.mu.Unlock()

	select {
	case reason := <-closed:
		if reason != "remote close" {
			t.Errorf("Expected reason 'remote close', got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	closed := make(chan string, 4)
	handler := EventHandler{
		OnClosed: func(reason string) { closed <- reason },
	}

	sess, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", handler)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Second Disconnect() failed: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired after Disconnect")
	}

	select {
	case <-closed:
		t.Error("OnClosed fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_SetMuted(t *testing.T) {
	b := newBridge(wireMessage{Event: "connected", LocalIdent: "web-abc"})
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	sess, err := NewWSDialer().Connect(context.Background(), wsURL(srv), "tok", EventHandler{})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer sess.Disconnect()

	if err := sess.SetMuted(true); err != nil {
		t.Fatalf("SetMuted() failed: %v", err)
	}

	select {
	case msg := <-b.reads:
		if msg.Event != "set_muted" {
			t.Errorf("Expected set_muted event, got %q", msg.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge never received mute request")
	}
}
