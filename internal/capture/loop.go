// Package capture runs the throttled frame loop: on each tick it samples
// one frame from the media source, encodes it, and emits it to the
// processing service. Ticks are time-triggered, never completion-triggered,
// so the outbound rate stays bounded regardless of how fast the server
// responds. Emits are fire-and-forget: when the transport is down the
// frame is dropped, never queued.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/satriabw/calibration-frontend/internal/media"
	"github.com/satriabw/calibration-frontend/internal/metrics"
	"github.com/satriabw/calibration-frontend/internal/platform/correlation"
	"github.com/satriabw/calibration-frontend/internal/protocol"
	"github.com/satriabw/calibration-frontend/internal/session"
	"github.com/satriabw/calibration-frontend/internal/transport"
)

const (
	defaultJPEGQuality = 75
	defaultRetryDelay  = 100 * time.Millisecond
	defaultStopTimeout = 5 * time.Second
	maxRateHz          = 30.0
)

var (
	// ErrRunning means Start was called while the loop was already running.
	ErrRunning = errors.New("capture: loop already running")

	// ErrSessionNotActive means the session machine is not in the active
	// state, so there is nowhere to send frames.
	ErrSessionNotActive = errors.New("capture: session not active")
)

// Connector is the transport surface the loop needs: a state gate and a
// fire-and-forget emit.
type Connector interface {
	State() transport.State
	Emit(event string, payload any) error
}

// Session is the session-machine surface the loop needs.
type Session interface {
	Snapshot() session.Snapshot
	NoteFrameSent()
}

// Options tune the loop. Zero values select defaults.
type Options struct {
	JPEGQuality int
	RetryDelay  time.Duration
	StopTimeout time.Duration
	Clock       clockwork.Clock
}

// Loop is the capture loop. One loop serves at most one source at a time;
// Start while running is an error.
type Loop struct {
	connector   Connector
	session     Session
	clock       clockwork.Clock
	quality     int
	retryDelay  time.Duration
	stopTimeout time.Duration

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  *sync.Once
	lastFrame []byte
}

type tickResult int

const (
	tickOK tickResult = iota
	tickRetry
	tickHalt
)

// New creates a stopped loop.
func New(connector Connector, sess Session, opts Options) *Loop {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = defaultJPEGQuality
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Loop{
		connector:   connector,
		session:     sess,
		clock:       opts.Clock,
		quality:     opts.JPEGQuality,
		retryDelay:  opts.RetryDelay,
		stopTimeout: opts.StopTimeout,
	}
}

// Start begins ticking at rateHz frames per second. The transport must be
// connected and the session active; the loop re-checks both on every tick
// and halts itself if either stops holding.
func (l *Loop) Start(source media.Source, rateHz float64) error {
	if rateHz <= 0 || rateHz > maxRateHz {
		return fmt.Errorf("capture: rate %.2f Hz out of range (0, %.0f]", rateHz, maxRateHz)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrRunning
	}
	if l.connector.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	if snap := l.session.Snapshot(); snap.State != session.StateActive {
		return fmt.Errorf("%w (state %s)", ErrSessionNotActive, snap.State)
	}

	interval := time.Duration(float64(time.Second) / rateHz)
	l.running = true
	l.lastFrame = nil
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	l.stopOnce = &sync.Once{}

	slog.Info("Capture loop starting", "rate_hz", rateHz, "interval", interval, "input_mode", source.Mode())
	go l.run(source, interval)
	return nil
}

// Stop halts the loop and waits for the goroutine to exit, bounded by the
// stop timeout. Safe to call repeatedly and when the loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stop, stopped, once := l.stop, l.stopped, l.stopOnce
	l.mu.Unlock()

	once.Do(func() { close(stop) })

	timer := l.clock.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.Chan():
		slog.Warn("Capture loop stop timeout exceeded", "timeout", l.stopTimeout)
	}
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LastFrame returns a copy of the most recently encoded frame, or nil if
// no frame has been emitted yet this run.
func (l *Loop) LastFrame() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastFrame == nil {
		return nil
	}
	return append([]byte(nil), l.lastFrame...)
}

func (l *Loop) run(source media.Source, interval time.Duration) {
	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.stopped)
		l.mu.Unlock()
		slog.Info("Capture loop stopped")
	}()

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	var retryTimer clockwork.Timer
	var retryCh <-chan time.Time
	disarmRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryCh = nil
		}
	}
	defer disarmRetry()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.Chan():
			// A regular tick supersedes any pending not-ready retry.
			disarmRetry()
		case <-retryCh:
			retryTimer = nil
			retryCh = nil
		}

		switch l.tick(source) {
		case tickRetry:
			retryTimer = l.clock.NewTimer(l.retryDelay)
			retryCh = retryTimer.Chan()
		case tickHalt:
			return
		}
	}
}

// tick performs one sample-encode-emit cycle. Failures abandon the tick;
// the next regular tick tries again with a fresh frame.
func (l *Loop) tick(source media.Source) tickResult {
	start := l.clock.Now()
	tickID := correlation.NewID()
	logger := slog.With("tick_id", tickID)

	if state := l.connector.State(); state != transport.StateConnected {
		logger.Warn("Capture loop halting: transport not connected", "connection_state", state)
		metrics.CaptureSelfTerminations.Inc()
		return tickHalt
	}
	if snap := l.session.Snapshot(); snap.State != session.StateActive {
		logger.Warn("Capture loop halting: session no longer active", "session_state", snap.State)
		metrics.CaptureSelfTerminations.Inc()
		return tickHalt
	}

	frame, err := source.Sample()
	if err != nil {
		if errors.Is(err, media.ErrNoFrame) {
			metrics.CaptureNotReadyRetries.Inc()
			logger.Debug("No frame ready, retrying", "retry_delay", l.retryDelay)
			return tickRetry
		}
		metrics.CaptureTickFailures.WithLabelValues("sample").Inc()
		logger.Warn("Frame sample failed", "error", err)
		return tickOK
	}
	defer frame.Release()

	data, err := frame.EncodeJPEG(l.quality)
	if err != nil {
		metrics.CaptureTickFailures.WithLabelValues("encode").Inc()
		logger.Warn("Frame encode failed", "error", err)
		return tickOK
	}

	l.mu.Lock()
	l.lastFrame = data
	l.mu.Unlock()

	if err := l.connector.Emit(protocol.EventProcessFrame, protocol.ProcessFramePayload{Frame: data}); err != nil {
		// Fire-and-forget: the frame is dropped, never queued for later.
		metrics.CaptureTickFailures.WithLabelValues("emit").Inc()
		logger.Warn("Frame emit failed, dropping frame", "error", err, "bytes", len(data))
		return tickOK
	}

	l.session.NoteFrameSent()
	metrics.CaptureFramesEmitted.Inc()
	metrics.CaptureTickDuration.Observe(l.clock.Since(start).Seconds())
	return tickOK
}
