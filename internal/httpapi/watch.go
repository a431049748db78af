package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxops/call-reconciler/internal/session"
	"github.com/voxops/call-reconciler/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard frontend is served from another origin in
		// development; origin policy is enforced at the edge proxy.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// watchMessage is one push frame on the watch stream.
type watchMessage struct {
	Type   string            `json:"type"` // "transcript" or "status"
	Items  []transcript.Item `json:"items,omitempty"`
	Status *session.Status   `json:"status,omitempty"`
}

// handleWatch streams transcript and readiness updates for one session over
// a WebSocket, so the dashboard re-renders reactively instead of polling.
// The session's change signals are coalesced per session, so the stream is
// intended for a single dashboard client per session.
func (h *Handlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Watch upgrade failed")
		return
	}
	defer conn.Close()

	// Detect client disconnect; the writer goroutine below is the only
	// writer on the connection.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg watchMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		return true
	}

	// Initial state so the client renders without waiting for a change.
	st := s.Status()
	if !send(watchMessage{Type: "status", Status: &st}) {
		return
	}
	if !send(watchMessage{Type: "transcript", Items: s.Transcript()}) {
		return
	}

	for {
		select {
		case <-s.RenderTicks():
			if !send(watchMessage{Type: "transcript", Items: s.Transcript()}) {
				return
			}
		case <-s.StatusChanges():
			st := s.Status()
			if !send(watchMessage{Type: "status", Status: &st}) {
				return
			}
		case <-s.Done():
			st := s.Status()
			send(watchMessage{Type: "status", Status: &st})
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finalized"))
			return
		case <-clientGone:
			return
		}
	}
}
