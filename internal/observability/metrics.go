package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_sessions",
		Help: "Number of live conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Turn metrics
	turnTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turn_transitions_total",
		Help: "Turn state transitions",
	}, []string{"from", "to"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_barge_ins_total",
		Help: "Agent replies interrupted by the user",
	})

	replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_replies_total",
		Help: "Agent replies by outcome",
	}, []string{"outcome"}) // complete, interrupted, failed, timeout

	thinkingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_thinking_latency_seconds",
		Help:    "Time from entering Thinking to the first played agent frame",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	playedRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_reply_played_ratio",
		Help:    "Fraction of the generated reply text that was actually played",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
	})

	playbackStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_playback_stalls_total",
		Help: "Replies aborted because the outbound path stalled",
	})

	// Pipeline metrics
	classifierDegradations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_classifier_degradations_total",
		Help: "Sessions that fell back to timeout-based turn detection",
	})

	forcedFinalizations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_forced_finalizations_total",
		Help: "Segments finalized from the last partial after the grace period",
	})

	historyEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_history_evictions_total",
		Help: "Utterances evicted from dialogue history",
	})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_provider_first_output_seconds",
		Help:    "Latency until a provider produced its first output",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"component"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single session. A nil *Metrics records nothing.
type Metrics struct {
	sessionID     string
	startTime     time.Time
	thinkingStart time.Time
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition counts a turn state change and starts the thinking clock
// when the machine enters Thinking.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	turnTransitions.WithLabelValues(from, to).Inc()
	if to == "thinking" {
		m.mu.Lock()
		m.thinkingStart = time.Now()
		m.mu.Unlock()
	}
}

// RecordFirstAudio observes the thinking latency of the current reply.
func (m *Metrics) RecordFirstAudio() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.thinkingStart.IsZero() {
		thinkingLatency.Observe(time.Since(m.thinkingStart).Seconds())
		m.thinkingStart = time.Time{}
	}
}

// RecordBargeIn counts a user interruption
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	bargeIns.Inc()
}

// RecordReply records how a reply ended and how much of it was played
func (m *Metrics) RecordReply(outcome string, ratio float64) {
	if m == nil {
		return
	}
	replies.WithLabelValues(outcome).Inc()
	if ratio >= 0 {
		playedRatio.Observe(ratio)
	}
}

// RecordPlaybackStall counts a stalled outbound path
func (m *Metrics) RecordPlaybackStall() {
	if m == nil {
		return
	}
	playbackStalls.Inc()
}

// RecordClassifierDegraded counts a switch to timeout-based turn detection
func (m *Metrics) RecordClassifierDegraded() {
	if m == nil {
		return
	}
	classifierDegradations.Inc()
}

// RecordForcedFinalization counts a grace-period finalization
func (m *Metrics) RecordForcedFinalization() {
	if m == nil {
		return
	}
	forcedFinalizations.Inc()
}

// RecordHistoryEvictions counts evicted utterances
func (m *Metrics) RecordHistoryEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	historyEvictions.Add(float64(n))
}

// RecordProviderLatency observes time to first output of a provider call
func (m *Metrics) RecordProviderLatency(component string, d time.Duration) {
	if m == nil {
		return
	}
	providerLatency.WithLabelValues(component).Observe(d.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
