package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/satriabw/calibration-frontend/internal/metrics"
	"github.com/satriabw/calibration-frontend/internal/protocol"
)

const (
	commandTimeout      = 5 * time.Second // actor command timeout
	stopTimeout         = 5 * time.Second
	defaultStartTimeout = 15 * time.Second
)

// Emitter is the subset of the transport connector the machine needs to
// send its own requests.
type Emitter interface {
	Emit(event string, payload any) error
}

// Callbacks fire on lifecycle transitions. They run on their own
// goroutines so they may call back into the machine or start the capture
// loop without deadlocking the actor.
type Callbacks struct {
	// OnActive fires when the server acknowledges session start.
	OnActive func(sessionID string)
	// OnEnded fires when the session transitions to ended.
	OnEnded func(reason string)
	// OnSaved fires when the server confirms a saved background.
	OnSaved func(saved SavedBackground)
}

// machineCmd is the command interface for the Machine actor.
type machineCmd interface{ isMachineCmd() }

type baseMachineCmd struct{}

func (baseMachineCmd) isMachineCmd() {}

type requestStartCmd struct {
	baseMachineCmd
	mode  protocol.InputMode
	reply chan error
}

type requestSaveCmd struct {
	baseMachineCmd
	reply chan error
}

type requestUpdateCmd struct {
	baseMachineCmd
	frame []byte
	reply chan error
}

type requestRedoCmd struct {
	baseMachineCmd
	reply chan error
}

type endCmd struct {
	baseMachineCmd
	reason string
}

type noteFrameSentCmd struct{ baseMachineCmd }

type snapshotCmd struct {
	baseMachineCmd
	reply chan Snapshot
}

type savedBackgroundCmd struct {
	baseMachineCmd
	reply chan *SavedBackground
}

type sessionStartedCmd struct {
	baseMachineCmd
	payload protocol.SessionStartedPayload
}

type frameProcessedCmd struct {
	baseMachineCmd
	payload protocol.FrameProcessedPayload
}

type backgroundSavedCmd struct {
	baseMachineCmd
	payload protocol.BackgroundSavedPayload
}

type backgroundUpdatedCmd struct {
	baseMachineCmd
	payload protocol.BackgroundUpdatedPayload
}

type serverErrorCmd struct {
	baseMachineCmd
	message string
}

type stopCmd struct{ baseMachineCmd }

// Machine is the session state machine actor.
type Machine struct {
	cmdCh        chan machineCmd
	done         chan struct{}
	clock        clockwork.Clock
	emitter      Emitter
	callbacks    Callbacks
	startTimeout time.Duration

	// Actor-owned state. Touched only by run().
	state           State
	sessionID       string
	mode            protocol.InputMode
	framesSent      int
	framesProcessed int
	status          string
	hasBackground   bool
	saved           *SavedBackground
	lastErr         error
	startTimer      clockwork.Timer
}

// New creates a Machine in the idle state and starts its goroutine.
// startTimeout bounds the wait for a session_started acknowledgment;
// zero applies the default.
func New(emitter Emitter, callbacks Callbacks, clock clockwork.Clock, startTimeout time.Duration) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	m := &Machine{
		cmdCh:        make(chan machineCmd, 64),
		done:         make(chan struct{}),
		clock:        clock,
		emitter:      emitter,
		callbacks:    callbacks,
		startTimeout: startTimeout,
		state:        StateIdle,
	}
	go m.run()
	return m
}

// Bind subscribes the machine's event handlers on the transport. The
// handlers only post commands; all mutation happens on the actor
// goroutine, in the order the transport delivered the events.
func (m *Machine) Bind(bus EventBus) []Subscription {
	return []Subscription{
		bus.On(protocol.EventSessionStarted, func(_ string, data json.RawMessage) {
			var p protocol.SessionStartedPayload
			if err := decode(protocol.EventSessionStarted, data, &p); err != nil {
				return
			}
			m.post(sessionStartedCmd{payload: p})
		}),
		bus.On(protocol.EventFrameProcessed, func(_ string, data json.RawMessage) {
			var p protocol.FrameProcessedPayload
			if err := decode(protocol.EventFrameProcessed, data, &p); err != nil {
				return
			}
			m.post(frameProcessedCmd{payload: p})
		}),
		bus.On(protocol.EventBackgroundSaved, func(_ string, data json.RawMessage) {
			var p protocol.BackgroundSavedPayload
			if err := decode(protocol.EventBackgroundSaved, data, &p); err != nil {
				return
			}
			m.post(backgroundSavedCmd{payload: p})
		}),
		bus.On(protocol.EventBackgroundUpdated, func(_ string, data json.RawMessage) {
			var p protocol.BackgroundUpdatedPayload
			if err := decode(protocol.EventBackgroundUpdated, data, &p); err != nil {
				return
			}
			m.post(backgroundUpdatedCmd{payload: p})
		}),
		bus.On(protocol.EventError, func(_ string, data json.RawMessage) {
			var p protocol.ErrorPayload
			if err := decode(protocol.EventError, data, &p); err != nil {
				return
			}
			m.post(serverErrorCmd{message: p.Message})
		}),
	}
}

// RequestStart asks the server to start a session with the given input
// mode. Valid only from idle. The active transition happens later, on the
// server's session_started acknowledgment.
func (m *Machine) RequestStart(mode protocol.InputMode) error {
	if !mode.Valid() {
		return fmt.Errorf("session: invalid input mode %q", mode)
	}
	return m.request(func(reply chan error) machineCmd {
		return requestStartCmd{mode: mode, reply: reply}
	})
}

// RequestSave asks the server to persist the current background. Rejected
// locally, with no wire event, unless the session is active with a
// session ID and the server has reported a background.
func (m *Machine) RequestSave() error {
	return m.request(func(reply chan error) machineCmd {
		return requestSaveCmd{reply: reply}
	})
}

// RequestUpdate sends a replacement frame for the saved background.
// Rejected locally unless the session is active with a session ID.
func (m *Machine) RequestUpdate(frame []byte) error {
	return m.request(func(reply chan error) machineCmd {
		return requestUpdateCmd{frame: frame, reply: reply}
	})
}

// RequestRedo discards the saved background and all counters and returns
// to idle. Valid only from ended; this is the only transition that
// destroys the saved artifact.
func (m *Machine) RequestRedo() error {
	return m.request(func(reply chan error) machineCmd {
		return requestRedoCmd{reply: reply}
	})
}

// End transitions to ended from any state, clearing the session identifier
// and active flags but preserving the saved background.
func (m *Machine) End(reason string) {
	m.post(endCmd{reason: reason})
}

// NoteFrameSent increments the sent-frame counter. Called by the capture
// loop after each successful emit.
func (m *Machine) NoteFrameSent() {
	m.post(noteFrameSentCmd{})
}

// Snapshot returns a value copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	m.post(snapshotCmd{reply: reply})

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case snap := <-reply:
		return snap
	case <-timer.Chan():
		slog.Warn("Snapshot command timed out", "timeout", commandTimeout)
		return Snapshot{}
	case <-m.done:
		return Snapshot{State: StateEnded}
	}
}

// SavedBackground returns a copy of the saved artifact, or nil if none.
func (m *Machine) SavedBackground() *SavedBackground {
	reply := make(chan *SavedBackground, 1)
	m.post(savedBackgroundCmd{reply: reply})

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case saved := <-reply:
		return saved
	case <-timer.Chan():
		slog.Warn("SavedBackground command timed out", "timeout", commandTimeout)
		return nil
	case <-m.done:
		return nil
	}
}

// Stop shuts the actor down. Blocks until the goroutine exits or the stop
// timeout elapses.
func (m *Machine) Stop() {
	m.post(stopCmd{})

	timer := m.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-m.done:
	case <-timer.Chan():
		slog.Warn("Session machine stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (m *Machine) post(cmd machineCmd) {
	select {
	case m.cmdCh <- cmd:
	case <-m.done:
	}
}

func (m *Machine) request(build func(reply chan error) machineCmd) error {
	reply := make(chan error, 1)
	m.post(build(reply))

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.Chan():
		return fmt.Errorf("session: command timed out after %v", commandTimeout)
	case <-m.done:
		return fmt.Errorf("session: machine stopped")
	}
}

func (m *Machine) run() {
	defer close(m.done)

	for {
		var timeoutCh <-chan time.Time
		if m.startTimer != nil {
			timeoutCh = m.startTimer.Chan()
		}

		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case requestStartCmd:
				c.reply <- m.handleRequestStart(c.mode)
			case requestSaveCmd:
				c.reply <- m.handleRequestSave()
			case requestUpdateCmd:
				c.reply <- m.handleRequestUpdate(c.frame)
			case requestRedoCmd:
				c.reply <- m.handleRequestRedo()
			case endCmd:
				m.handleEnd(c.reason)
			case noteFrameSentCmd:
				m.framesSent++
			case snapshotCmd:
				c.reply <- m.snapshotLocked()
			case savedBackgroundCmd:
				c.reply <- m.savedCopy()
			case sessionStartedCmd:
				m.handleSessionStarted(c.payload)
			case frameProcessedCmd:
				m.handleFrameProcessed(c.payload)
			case backgroundSavedCmd:
				m.handleBackgroundSaved(c.payload)
			case backgroundUpdatedCmd:
				m.handleBackgroundUpdated(c.payload)
			case serverErrorCmd:
				m.handleServerError(c.message)
			case stopCmd:
				return
			default:
				slog.Warn("Session machine received unknown command", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-timeoutCh:
			m.handleStartTimeout()
		}
	}
}

func (m *Machine) handleRequestStart(mode protocol.InputMode) error {
	if m.state != StateIdle {
		return fmt.Errorf("%w (state %s)", ErrNotIdle, m.state)
	}

	if err := m.emitter.Emit(protocol.EventStartSession, protocol.StartSessionPayload{InputMode: mode}); err != nil {
		return fmt.Errorf("session: start request: %w", err)
	}

	m.mode = mode
	m.lastErr = nil
	m.transition(StateStarting)
	m.startTimer = m.clock.NewTimer(m.startTimeout)
	return nil
}

func (m *Machine) handleStartTimeout() {
	m.startTimer = nil
	if m.state != StateStarting {
		return
	}

	m.lastErr = fmt.Errorf("session: start not acknowledged within %v", m.startTimeout)
	metrics.SessionStartTimeouts.Inc()
	slog.Warn("Session start timed out", "timeout", m.startTimeout)
	m.transition(StateIdle)
}

func (m *Machine) handleSessionStarted(p protocol.SessionStartedPayload) {
	if m.state != StateStarting {
		slog.Debug("Ignoring session_started outside starting state", "state", m.state)
		return
	}
	m.disarmStartTimer()

	if !p.Success {
		m.lastErr = &protocol.ServerError{Message: "session start rejected"}
		slog.Warn("Server rejected session start")
		m.transition(StateIdle)
		return
	}

	m.sessionID = p.SessionID
	m.lastErr = nil
	m.transition(StateActive)
	slog.Info("Session started", "session_id", p.SessionID, "input_mode", m.mode)

	if m.callbacks.OnActive != nil {
		go m.callbacks.OnActive(p.SessionID)
	}
}

func (m *Machine) handleFrameProcessed(p protocol.FrameProcessedPayload) {
	if m.state != StateActive {
		slog.Debug("Ignoring frame_processed outside active state", "state", m.state)
		return
	}
	if p.SessionID != "" && p.SessionID != m.sessionID {
		slog.Debug("Ignoring frame_processed for stale session", "session_id", p.SessionID)
		return
	}

	if p.FrameCount > 0 {
		m.framesProcessed = p.FrameCount
	} else {
		m.framesProcessed++
	}
	if p.Status != "" {
		m.status = p.Status
	}
	// Monotonic within a session: once the server reports a background,
	// the flag never reverts until end or redo.
	if p.HasBackground && !m.hasBackground {
		m.hasBackground = true
		slog.Info("Background available", "session_id", m.sessionID, "frames_processed", m.framesProcessed)
	}
}

func (m *Machine) handleRequestSave() error {
	if m.state != StateActive {
		return ErrNotActive
	}
	if m.sessionID == "" {
		return ErrNoSession
	}
	if !m.hasBackground {
		return ErrNoBackground
	}

	if err := m.emitter.Emit(protocol.EventSaveBackground, protocol.SaveBackgroundPayload{}); err != nil {
		return fmt.Errorf("session: save request: %w", err)
	}
	return nil
}

func (m *Machine) handleBackgroundSaved(p protocol.BackgroundSavedPayload) {
	if m.state != StateActive {
		slog.Debug("Ignoring background_saved outside active state", "state", m.state)
		return
	}
	if p.SessionID != "" && p.SessionID != m.sessionID {
		slog.Debug("Ignoring background_saved for stale session", "session_id", p.SessionID)
		return
	}
	if !p.Success {
		m.lastErr = &protocol.ServerError{Message: p.Message}
		slog.Warn("Background save failed", "message", p.Message)
		return
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = m.sessionID
	}
	saved := &SavedBackground{
		SessionID: sessionID,
		Image:     p.BackgroundImage,
		SavedAt:   m.clock.Now(),
	}
	if p.Metadata != nil {
		saved.Width = p.Metadata.Width
		saved.Height = p.Metadata.Height
		saved.FrameCount = p.Metadata.FrameCount
	}
	m.saved = saved
	m.status = "background saved"
	metrics.SessionBackgroundsSaved.Inc()
	slog.Info("Background saved", "session_id", sessionID, "bytes", len(saved.Image))

	if m.callbacks.OnSaved != nil {
		go m.callbacks.OnSaved(*saved)
	}
}

func (m *Machine) handleRequestUpdate(frame []byte) error {
	if m.state != StateActive {
		return ErrNotActive
	}
	if m.sessionID == "" {
		return ErrNoSession
	}

	if err := m.emitter.Emit(protocol.EventUpdateBackground, protocol.UpdateBackgroundPayload{Frame: frame}); err != nil {
		return fmt.Errorf("session: update request: %w", err)
	}
	return nil
}

func (m *Machine) handleBackgroundUpdated(p protocol.BackgroundUpdatedPayload) {
	if !p.Success {
		m.lastErr = &protocol.ServerError{Message: p.Message}
		slog.Warn("Background update failed", "message", p.Message)
		return
	}
	m.status = "background updated"
}

func (m *Machine) handleServerError(message string) {
	// Server errors are observable but not lifecycle-ending; the session
	// ends only on explicit end or transport loss.
	m.lastErr = &protocol.ServerError{Message: message}
	metrics.SessionServerErrors.Inc()
	slog.Warn("Server reported error", "message", message, "state", m.state)
}

func (m *Machine) handleEnd(reason string) {
	if m.state == StateEnded {
		return
	}
	m.disarmStartTimer()

	slog.Info("Session ended", "session_id", m.sessionID, "reason", reason)
	m.sessionID = ""
	m.hasBackground = false
	m.transition(StateEnded)

	if m.callbacks.OnEnded != nil {
		go m.callbacks.OnEnded(reason)
	}
}

func (m *Machine) handleRequestRedo() error {
	if m.state != StateEnded {
		return fmt.Errorf("%w (state %s)", ErrNotEnded, m.state)
	}

	m.saved = nil
	m.framesSent = 0
	m.framesProcessed = 0
	m.status = ""
	m.mode = ""
	m.lastErr = nil
	m.transition(StateIdle)
	slog.Info("Session reset for redo")
	return nil
}

func (m *Machine) transition(to State) {
	m.state = to
	metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Machine) disarmStartTimer() {
	if m.startTimer != nil {
		m.startTimer.Stop()
		m.startTimer = nil
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           m.state,
		SessionID:       m.sessionID,
		Mode:            m.mode,
		FramesSent:      m.framesSent,
		FramesProcessed: m.framesProcessed,
		Status:          m.status,
		HasBackground:   m.hasBackground,
		BackgroundSaved: m.saved != nil,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Machine) savedCopy() *SavedBackground {
	if m.saved == nil {
		return nil
	}
	saved := *m.saved
	saved.Image = append([]byte(nil), m.saved.Image...)
	return &saved
}
