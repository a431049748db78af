package transport

import "context"

// Participant describes one participant known to the media room.
type Participant struct {
	// Identity is the stable participant identity assigned by the transport.
	Identity string

	// Name is an optional display name.
	Name string

	// Attributes is an optional attribute bag published by the participant.
	// Agent processes advertise themselves through a well-known key here.
	Attributes map[string]string
}

// SegmentEvent is one unit of streamed transcription output delivered by the
// transport. The same SegmentID is reused across revisions of one utterance;
// a later event with the same id replaces the earlier value.
type SegmentEvent struct {
	SegmentID           string
	ParticipantIdentity string
	Text                string
	IsFinal             bool
	FirstReceivedMs     int64
}

// EventHandler receives transport events. Callbacks are invoked in delivery
// order from a single goroutine; a handler must not assume events are
// deduplicated or gap-free.
type EventHandler struct {
	OnParticipantJoined func(p Participant)
	OnParticipantLeft   func(p Participant)
	OnSegments          func(sourceIdentity string, segments []SegmentEvent)
	OnClosed            func(reason string)
}

// Session is a live connection to a media room. Implementations wrap an
// external real-time media transport; audio never flows through this
// interface, only membership and transcription events.
type Session interface {
	// LocalIdentity returns the identity this service joined the room with.
	LocalIdentity() string

	// RemoteParticipants returns a snapshot of currently known remote
	// participants.
	RemoteParticipants() []Participant

	// SetMuted toggles the local participant's microphone.
	SetMuted(muted bool) error

	// Disconnect closes the session. Idempotent; eventually triggers the
	// handler's OnClosed callback exactly once.
	Disconnect() error
}

// Dialer opens transport sessions from a URL/token pair issued by the
// backend call-record store.
type Dialer interface {
	Connect(ctx context.Context, url, token string, handler EventHandler) (Session, error)
}
