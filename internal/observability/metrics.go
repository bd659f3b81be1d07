package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_pipeline_active_sessions",
		Help: "Number of active capture sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_sessions_total",
		Help: "Total number of capture sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Audio metrics
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_frames_total",
		Help: "Total number of audio frames received from capture",
	})

	audioBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_audio_bytes_total",
		Help: "Total audio bytes received from capture",
	})

	// Flush / trigger metrics
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_flushes_total",
		Help: "Total buffer flushes by trigger type",
	}, []string{"trigger"}) // trigger: "periodic" or "barge_in"

	flushSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_flush_skips_total",
		Help: "Flush triggers suppressed, by reason",
	}, []string{"reason"}) // reason: "playback", "in_flight", "rate_limited", "no_new_audio"

	bargeInsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_barge_ins_total",
		Help: "Total barge-in (immediate flush) signals handled",
	})

	watchdogStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_watchdog_stalls_total",
		Help: "Capture stalls detected by the frame watchdog",
	})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_stt_latency_seconds",
		Help:    "STT request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Filter metrics
	filterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_filter_rejections_total",
		Help: "Transcripts suppressed by the hallucination filter, by reason",
	}, []string{"reason"})

	transcriptsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_transcripts_delivered_total",
		Help: "Transcripts that passed filtering and were delivered to the caller",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_pipeline_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for a capture session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a capture session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a capture session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame records one received audio frame of the given byte size
func RecordFrame(bytes int) {
	framesReceived.Inc()
	audioBytesReceived.Add(float64(bytes))
}

// RecordFlush records a buffer flush by trigger type ("periodic" or "barge_in")
func RecordFlush(trigger string) {
	flushesTotal.WithLabelValues(trigger).Inc()
}

// RecordFlushSkip records a suppressed flush trigger
func RecordFlushSkip(reason string) {
	flushSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordBargeIn records a handled barge-in signal
func RecordBargeIn() {
	bargeInsTotal.Inc()
}

// RecordWatchdogStall records a capture stall detected by the frame watchdog
func RecordWatchdogStall() {
	watchdogStalls.Inc()
}

// RecordSTTRequest records the outcome and latency of one STT request
func RecordSTTRequest(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	sttRequests.WithLabelValues(status).Inc()
	sttLatency.Observe(latency.Seconds())
}

// RecordFilterRejection records a transcript suppressed by the filter
func RecordFilterRejection(reason string) {
	filterRejections.WithLabelValues(reason).Inc()
}

// RecordTranscriptDelivered records a transcript delivered to the caller
func RecordTranscriptDelivered() {
	transcriptsDelivered.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
