package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport Metrics
var (
	// TransportConnectAttempts tracks connection attempts by strategy and result
	TransportConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_connect_attempts_total",
			Help: "Total transport connection attempts by strategy and result (success/error)",
		},
		[]string{"strategy", "result"},
	)

	// TransportConnectionState tracks current connection state
	TransportConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transport_connection_state",
			Help: "Current transport connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		},
	)

	// TransportEventsSent tracks events sent to the server by event name
	TransportEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_events_sent_total",
			Help: "Total events sent to the processing service by event name",
		},
		[]string{"event"},
	)

	// TransportEventsReceived tracks events received from the server by event name
	TransportEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_events_received_total",
			Help: "Total events received from the processing service by event name",
		},
		[]string{"event"},
	)

	// TransportEventsDropped tracks emits dropped because the link was down or the send failed
	TransportEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_events_dropped_total",
			Help: "Total emits dropped by reason (not_connected/send_failed)",
		},
		[]string{"reason"},
	)

	// TransportDisconnects tracks link losses detected by the read loop
	TransportDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transport_disconnects_total",
			Help: "Total transport-level disconnects detected by the read loop",
		},
	)
)

// Capture Loop Metrics
var (
	// CaptureFramesEmitted tracks frames successfully encoded and emitted
	CaptureFramesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_frames_emitted_total",
			Help: "Total frames sampled, encoded, and emitted to the processing service",
		},
	)

	// CaptureTickFailures tracks non-fatal tick failures by stage
	CaptureTickFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_tick_failures_total",
			Help: "Total non-fatal capture tick failures by stage (sample/encode/emit)",
		},
		[]string{"stage"},
	)

	// CaptureNotReadyRetries tracks ticks rescheduled because no frame was ready
	CaptureNotReadyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_not_ready_retries_total",
			Help: "Total capture ticks rescheduled because the media source had no frame ready",
		},
	)

	// CaptureSelfTerminations tracks loops that halted on a violated precondition
	CaptureSelfTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_self_terminations_total",
			Help: "Total capture loops that self-terminated after a precondition check failed",
		},
	)

	// CaptureTickDuration tracks sample-to-emit duration per tick
	CaptureTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capture_tick_duration_seconds",
			Help:    "Capture tick duration (sample, encode, emit) in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)
)

// Session Metrics
var (
	// SessionTransitions tracks state machine transitions by target state
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Total session state machine transitions by target state",
		},
		[]string{"state"},
	)

	// SessionServerErrors tracks server-reported error events recorded on the machine
	SessionServerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_server_errors_total",
			Help: "Total server-reported error events recorded on the session",
		},
	)

	// SessionStartTimeouts tracks session starts that timed out waiting for acknowledgment
	SessionStartTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_start_timeouts_total",
			Help: "Total session starts abandoned after the acknowledgment timeout",
		},
	)

	// SessionBackgroundsSaved tracks saved background artifacts
	SessionBackgroundsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_backgrounds_saved_total",
			Help: "Total background artifacts confirmed saved by the server",
		},
	)
)

// Calibration Metrics
var (
	// CalibrationSolveRequests tracks solve requests by result
	CalibrationSolveRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_solve_requests_total",
			Help: "Total calibration solve requests by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// CalibrationSolveDuration tracks solve round-trip duration
	CalibrationSolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calibration_solve_duration_seconds",
			Help:    "Calibration solve request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
