// Package watchdog decides whether the remote voice agent has actually
// joined a session and surfaces a diagnostic when it never does.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxops/call-reconciler/internal/observability"
)

// State is the watchdog state machine position.
type State int

const (
	// AwaitingAgent - no remote agent observed yet.
	AwaitingAgent State = iota
	// AgentReady - a remote participant was observed. Terminal success.
	AgentReady
	// TimedOut - the timer fired while still awaiting. Terminal failure.
	TimedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case AwaitingAgent:
		return "AWAITING_AGENT"
	case AgentReady:
		return "AGENT_READY"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Config carries the session context the watchdog needs for its diagnostic.
type Config struct {
	RoomName         string
	ExpectedIdentity string // optional hint, included in the diagnostic when set
	Timeout          time.Duration

	// Present reports whether a remote agent is currently observable. It is
	// recomputed from current room state on every event, cheap and pure.
	Present func() bool

	// OnReady fires once, on the transition to AgentReady.
	OnReady func()

	// OnTimeout fires once with the diagnostic message, on the transition to
	// TimedOut. This is a reported error, not a fatal one: the session stays
	// open.
	OnTimeout func(diagnostic string)
}

// Watchdog is a one-shot readiness monitor for a single session. A fresh
// session gets a fresh Watchdog; terminal states never re-enter
// AwaitingAgent.
type Watchdog struct {
	mu    sync.Mutex
	cfg   Config
	state State
	timer *time.Timer
}

// New creates a Watchdog in AwaitingAgent. The timer is not armed until
// Arm is called.
func New(cfg Config) *Watchdog {
	return &Watchdog{cfg: cfg, state: AwaitingAgent}
}

// Arm starts the one-shot join timer. Calling Arm on a watchdog that
// already left AwaitingAgent is a no-op.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != AwaitingAgent || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.cfg.Timeout, w.expire)
}

// Observe recomputes readiness. Called on every participant-joined,
// participant-left, and transcription event.
func (w *Watchdog) Observe() {
	w.mu.Lock()
	if w.state != AwaitingAgent {
		w.mu.Unlock()
		return
	}
	if w.cfg.Present == nil || !w.cfg.Present() {
		w.mu.Unlock()
		return
	}
	w.state = AgentReady
	w.stopTimerLocked()
	onReady := w.cfg.OnReady
	w.mu.Unlock()

	if onReady != nil {
		onReady()
	}
}

// Stop cancels the timer without changing state. Called when the session
// ends, so a stale timer cannot fire a spurious diagnostic.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimerLocked()
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ready reports whether the agent has been observed.
func (w *Watchdog) Ready() bool {
	return w.State() == AgentReady
}

func (w *Watchdog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.state != AwaitingAgent {
		w.mu.Unlock()
		return
	}
	w.state = TimedOut
	w.timer = nil
	diagnostic := w.diagnosticLocked()
	onTimeout := w.cfg.OnTimeout
	w.mu.Unlock()

	observability.RecordJoinTimeout()
	if onTimeout != nil {
		onTimeout(diagnostic)
	}
}

func (w *Watchdog) diagnosticLocked() string {
	if w.cfg.ExpectedIdentity != "" {
		return fmt.Sprintf("agent %q did not join room %q within %s",
			w.cfg.ExpectedIdentity, w.cfg.RoomName, w.cfg.Timeout)
	}
	return fmt.Sprintf("no agent joined room %q within %s; check that a dispatch rule matches the room name prefix",
		w.cfg.RoomName, w.cfg.Timeout)
}
