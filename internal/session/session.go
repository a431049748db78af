// Package session owns the lifecycle of live call sessions: start, exit,
// and at-most-once finalization.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxops/call-reconciler/internal/backend"
	"github.com/voxops/call-reconciler/internal/config"
	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/role"
	"github.com/voxops/call-reconciler/internal/transcript"
	"github.com/voxops/call-reconciler/internal/transport"
	"github.com/voxops/call-reconciler/internal/watchdog"
)

// Outcome is the terminal classification attached at finalization.
type Outcome string

const (
	OutcomeEnded   Outcome = "ended"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// StartError means credential or transport acquisition failed; the session
// never opened and nothing needs finalizing.
type StartError struct {
	Reason string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to start session: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to start session: %s", e.Reason)
}

func (e *StartError) Unwrap() error { return e.Err }

// ErrDraining is returned by Start while the service is shutting down.
var ErrDraining = errors.New("service is draining, not accepting new sessions")

// Backend is the slice of the call-record store the controller needs.
type Backend interface {
	StartSession(ctx context.Context, agentID string, welcome *backend.WelcomeConfig) (*backend.SessionCredentials, error)
	EndCall(ctx context.Context, callID, outcome string, items []transcript.Item) error
}

// Status is the UI-facing view of one session.
type Status struct {
	SessionID  string `json:"sessionId"`
	CallID     string `json:"callId"`
	RoomName   string `json:"roomName"`
	AgentID    string `json:"agentId"`
	Ready      bool   `json:"ready"`
	State      string `json:"state"`
	Diagnostic string `json:"diagnostic,omitempty"`
	Muted      bool   `json:"muted"`
	Finalized  bool   `json:"finalized"`
	Outcome    string `json:"outcome,omitempty"`
}

// Session represents one live call attempt. Each session exclusively owns
// its reconciler state and its finalize guard; nothing is shared between
// sessions.
type Session struct {
	ID                    string
	AgentID               string
	CallID                string
	RoomName              string
	ExpectedAgentIdentity string

	cfg     *config.Config
	backend Backend
	rec     *transcript.Reconciler
	wd      *watchdog.Watchdog
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu         sync.Mutex
	ts         transport.Session
	diagnostic string
	outcome    Outcome
	muted      bool

	// finalized is set synchronously before any finalize work begins, so
	// racing Exit and OnTransportClosed cannot both run the finalize body.
	finalized atomic.Bool

	done     chan struct{} // closed when finalized
	statusCh chan struct{} // coalesced readiness/diagnostic change signal
}

// Ready reports whether the remote agent has been observed.
func (s *Session) Ready() bool {
	return s.wd.Ready()
}

// Diagnostic returns the join-timeout diagnostic, empty while healthy.
func (s *Session) Diagnostic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagnostic
}

// Transcript returns the current ordered transcript.
func (s *Session) Transcript() []transcript.Item {
	return s.rec.Snapshot()
}

// Subscribe registers a transcript subscriber.
func (s *Session) Subscribe(fn transcript.Subscriber) {
	s.rec.Subscribe(fn)
}

// RenderTicks exposes the reconciler's render signal.
func (s *Session) RenderTicks() <-chan struct{} {
	return s.rec.RenderTicks()
}

// StatusChanges signals readiness transitions and diagnostics, coalesced.
func (s *Session) StatusChanges() <-chan struct{} {
	return s.statusCh
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the UI-facing session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:  s.ID,
		CallID:     s.CallID,
		RoomName:   s.RoomName,
		AgentID:    s.AgentID,
		Ready:      s.wd.Ready(),
		State:      s.wd.State().String(),
		Diagnostic: s.diagnostic,
		Muted:      s.muted,
		Finalized:  s.finalized.Load(),
		Outcome:    string(s.outcome),
	}
}

// SetMuted toggles the local microphone through the transport.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	if ts == nil {
		return errors.New("session has no transport")
	}
	if err := ts.SetMuted(muted); err != nil {
		return err
	}
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

// Exit is the user-initiated termination path. It finalizes exactly once,
// requests transport disconnect, and clears local state. Safe to call after
// the session already finalized.
func (s *Session) Exit() {
	s.finalize(s.closingOutcome(OutcomeEnded))

	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	if ts != nil {
		if err := ts.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("Transport disconnect failed")
		}
	}
}

// OnTransportClosed handles the transport's session-closed notification:
// network drop, remote-initiated close, or the tail of our own disconnect.
func (s *Session) OnTransportClosed(reason string) {
	s.logger.Info().Str("reason", reason).Msg("Transport session closed")

	out := s.closingOutcome(OutcomeEnded)
	if out == OutcomeEnded && reason != "remote close" && reason != "client disconnect" {
		out = OutcomeError
	}
	s.finalize(out)
}

// closingOutcome classifies how this session should be recorded when it is
// ending now: a session whose agent never showed up closes as a timeout.
func (s *Session) closingOutcome(normal Outcome) Outcome {
	if s.wd.State() == watchdog.TimedOut {
		return OutcomeTimeout
	}
	return normal
}

// finalize is the single-writer close-out. The guard flips before any other
// work, so exactly one caller ever reaches the body. Backend sync failure
// is logged and swallowed: the call record can be reconciled later from the
// transport's server-side recording, and the UI must always be able to
// close the session.
func (s *Session) finalize(outcome Outcome) {
	if !s.finalized.CompareAndSwap(false, true) {
		return
	}

	s.wd.Stop()

	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()

	snapshot := s.rec.Snapshot()
	s.logger.Info().
		Str("outcome", string(outcome)).
		Int("segments", len(snapshot)).
		Msg("Finalizing call")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendRequestTimeout())
	defer cancel()
	if err := s.backend.EndCall(ctx, s.CallID, string(outcome), snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("Best-effort call record sync failed")
		observability.RecordFinalize(false)
		observability.RecordError("finalize_sync_failure", "session")
	} else {
		observability.RecordFinalize(true)
	}

	s.metrics.RecordSessionEnd()
	close(s.done)
	s.signalStatus()
}

func (s *Session) setDiagnostic(msg string) {
	s.mu.Lock()
	s.diagnostic = msg
	s.mu.Unlock()
	s.signalStatus()
}

func (s *Session) signalStatus() {
	select {
	case s.statusCh <- struct{}{}:
	default:
	}
}

func (s *Session) transportHandle() transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// Controller starts sessions and wires their collaborators together.
type Controller struct {
	cfg         *config.Config
	backend     Backend
	dialer      transport.Dialer
	registry    *Registry
	resolver    *role.Resolver
	logger      zerolog.Logger
	joinTimeout time.Duration

	// subscriberFactories build per-call transcript subscribers, e.g. the
	// Kafka mirror.
	subscriberFactories []func(callID string) transcript.Subscriber
}

// NewController creates a Controller.
func NewController(cfg *config.Config, b Backend, dialer transport.Dialer, registry *Registry) *Controller {
	return &Controller{
		cfg:         cfg,
		backend:     b,
		dialer:      dialer,
		registry:    registry,
		resolver:    role.NewResolver(cfg.AgentStateAttribute, cfg.AgentIdentityPrefix),
		logger:      observability.GetLogger().With().Str("component", "session").Logger(),
		joinTimeout: cfg.JoinTimeout(),
	}
}

// AddSubscriberFactory registers a factory invoked for every new session;
// the returned subscriber receives the session's transcript changes.
func (c *Controller) AddSubscriberFactory(f func(callID string) transcript.Subscriber) {
	c.subscriberFactories = append(c.subscriberFactories, f)
}

// Start establishes a new call session: backend credentials, transport
// connection, reconciler and watchdog wiring, and the armed join timer.
func (c *Controller) Start(ctx context.Context, agentID string, welcome *backend.WelcomeConfig) (*Session, error) {
	if c.registry.IsDraining() {
		return nil, ErrDraining
	}

	creds, err := c.backend.StartSession(ctx, agentID, welcome)
	if err != nil {
		return nil, &StartError{Reason: "credential acquisition failed", Err: err}
	}

	s := &Session{
		ID:                    uuid.New().String(),
		AgentID:               agentID,
		CallID:                creds.CallID,
		RoomName:              creds.RoomName,
		ExpectedAgentIdentity: creds.ExpectedAgentIdentity,
		cfg:                   c.cfg,
		backend:               c.backend,
		done:                  make(chan struct{}),
		statusCh:              make(chan struct{}, 1),
	}
	s.logger = observability.WithSession(s.ID, s.CallID)
	s.metrics = observability.NewSessionMetrics()
	s.rec = transcript.New(c.labelerFor(s))
	s.wd = watchdog.New(watchdog.Config{
		RoomName:         creds.RoomName,
		ExpectedIdentity: creds.ExpectedAgentIdentity,
		Timeout:          c.joinTimeout,
		Present:          c.presenceFor(s),
		OnReady: func() {
			s.metrics.RecordAgentReady()
			s.logger.Info().Msg("Agent is ready")
			s.signalStatus()
		},
		OnTimeout: func(diagnostic string) {
			s.logger.Warn().Str("diagnostic", diagnostic).Msg("Agent never joined")
			s.setDiagnostic(diagnostic)
		},
	})

	for _, f := range c.subscriberFactories {
		s.rec.Subscribe(f(s.CallID))
	}

	handler := transport.EventHandler{
		OnParticipantJoined: func(p transport.Participant) {
			s.logger.Debug().Str("identity", p.Identity).Msg("Participant joined")
			s.wd.Observe()
		},
		OnParticipantLeft: func(p transport.Participant) {
			s.logger.Debug().Str("identity", p.Identity).Msg("Participant left")
			s.wd.Observe()
		},
		OnSegments: func(sourceIdentity string, segments []transport.SegmentEvent) {
			s.rec.Apply(segments, sourceIdentity)
			s.wd.Observe()
		},
		OnClosed: func(reason string) {
			s.OnTransportClosed(reason)
		},
	}

	s.metrics.RecordSessionStart()

	ts, err := c.dialer.Connect(ctx, creds.TransportURL, creds.Token, handler)
	if err != nil {
		s.metrics.RecordSessionEnd()
		return nil, &StartError{Reason: "transport connect failed", Err: err}
	}

	s.mu.Lock()
	s.ts = ts
	s.mu.Unlock()

	if !c.registry.Add(s) {
		_ = ts.Disconnect()
		s.metrics.RecordSessionEnd()
		return nil, ErrDraining
	}

	s.wd.Arm()
	s.wd.Observe() // the agent may already be in the room

	s.logger.Info().
		Str("room", s.RoomName).
		Str("agent_id", agentID).
		Msg("Call session started")

	return s, nil
}

// labelerFor builds the speaker attribution function for one session. Roles
// are re-derived from current room state on every call, never cached.
func (c *Controller) labelerFor(s *Session) transcript.Labeler {
	return func(identity string) (role.Role, string) {
		var local string
		var remotes []transport.Participant
		if ts := s.transportHandle(); ts != nil {
			local = ts.LocalIdentity()
			remotes = ts.RemoteParticipants()
		}

		r := c.resolver.Resolve(identity, local, remotes)
		if r == role.Agent {
			return r, c.cfg.AgentDisplayName
		}
		for _, p := range remotes {
			if p.Identity == identity && p.Name != "" {
				return r, p.Name
			}
		}
		if identity == local {
			return r, "You"
		}
		return r, "Caller"
	}
}

// presenceFor builds the watchdog readiness predicate. The room only ever
// holds this client and the agent, so any remote participant counts.
func (c *Controller) presenceFor(s *Session) func() bool {
	return func() bool {
		ts := s.transportHandle()
		if ts == nil {
			return false
		}
		return len(ts.RemoteParticipants()) > 0
	}
}
