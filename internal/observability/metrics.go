package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_reconciler_active_sessions",
		Help: "Number of live call sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_reconciler_sessions_total",
		Help: "Total number of call sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_reconciler_session_duration_seconds",
		Help:    "Duration of call sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Transcript metrics
	segmentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_reconciler_segments_applied_total",
		Help: "Total transcription segments applied to a transcript",
	}, []string{"kind"}) // kind: "interim" or "final"

	segmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_reconciler_segments_dropped_total",
		Help: "Total transcription segments dropped before applying",
	}, []string{"reason"}) // reason: "malformed" or "final_sticky"

	// Readiness metrics
	agentJoinTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_reconciler_agent_join_timeouts_total",
		Help: "Total sessions where the agent never joined within the timeout",
	})

	timeToAgentReady = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_reconciler_time_to_agent_ready_seconds",
		Help:    "Time from session start until the agent was observed",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30},
	})

	// Finalization metrics
	finalizeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_reconciler_finalize_total",
		Help: "Total session finalizations by backend sync status",
	}, []string{"status"}) // status: "synced" or "sync_failed"

	// Backend metrics
	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_reconciler_backend_request_seconds",
		Help:    "Backend call-record store request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"op", "status"}) // op: "start_session" or "end_call"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_reconciler_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single call session
type SessionMetrics struct {
	startTime time.Time
	started   atomic.Bool
	ended     atomic.Bool
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{startTime: time.Now()}
}

// RecordSessionStart records the start of a session. Idempotent.
func (m *SessionMetrics) RecordSessionStart() {
	if m.started.CompareAndSwap(false, true) {
		activeSessions.Inc()
		totalSessions.Inc()
	}
}

// RecordSessionEnd records the end of a session. Idempotent, no-op if the
// start was never recorded.
func (m *SessionMetrics) RecordSessionEnd() {
	if !m.started.Load() {
		return
	}
	if m.ended.CompareAndSwap(false, true) {
		activeSessions.Dec()
		sessionDuration.Observe(time.Since(m.startTime).Seconds())
	}
}

// RecordAgentReady records how long the agent took to join
func (m *SessionMetrics) RecordAgentReady() {
	timeToAgentReady.Observe(time.Since(m.startTime).Seconds())
}

// RecordSegmentApplied records one applied segment
func RecordSegmentApplied(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	segmentsApplied.WithLabelValues(kind).Inc()
}

// RecordSegmentDropped records one dropped segment
func RecordSegmentDropped(reason string) {
	segmentsDropped.WithLabelValues(reason).Inc()
}

// RecordJoinTimeout records an agent join timeout
func RecordJoinTimeout() {
	agentJoinTimeouts.Inc()
}

// RecordFinalize records the outcome of a finalize backend sync
func RecordFinalize(synced bool) {
	status := "synced"
	if !synced {
		status = "sync_failed"
	}
	finalizeResults.WithLabelValues(status).Inc()
}

// RecordBackendRequest records a backend request latency
func RecordBackendRequest(op string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	backendLatency.WithLabelValues(op, status).Observe(elapsed.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
