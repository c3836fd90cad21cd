package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriabw/calibration-frontend/internal/protocol"
	"github.com/satriabw/calibration-frontend/internal/transport"
)

// recordingEmitter records emitted events instead of sending them.
type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (e *recordingEmitter) Emit(event string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) emitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// fakeBus collects subscriptions so tests can feed server events through
// the same path the transport uses.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]transport.Handler)}
}

func (b *fakeBus) On(event string, h transport.Handler) transport.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
	return fakeSub{}
}

func (b *fakeBus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, event)
}

func (b *fakeBus) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	b.mu.Lock()
	handlers := append([]transport.Handler(nil), b.handlers[event]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(event, data)
	}
}

type fakeSub struct{}

func (fakeSub) Cancel() {}

func newTestMachine(t *testing.T, emitter *recordingEmitter, callbacks Callbacks) (*Machine, *fakeBus) {
	t.Helper()
	m := New(emitter, callbacks, clockwork.NewRealClock(), time.Minute)
	t.Cleanup(m.Stop)
	bus := newFakeBus()
	m.Bind(bus)
	return m, bus
}

func waitForState(t *testing.T, m *Machine, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = m.Snapshot()
		return snap.State == want
	}, time.Second, 5*time.Millisecond, "waiting for state %s", want)
	return snap
}

func startActiveSession(t *testing.T, m *Machine, bus *fakeBus, sessionID string) {
	t.Helper()
	require.NoError(t, m.RequestStart(protocol.ModeCamera))
	bus.deliver(t, protocol.EventSessionStarted, protocol.SessionStartedPayload{Success: true, SessionID: sessionID})
	waitForState(t, m, StateActive)
}

func TestRequestStart_EmitsAndTransitionsToStarting(t *testing.T) {
	emitter := &recordingEmitter{}
	m, _ := newTestMachine(t, emitter, Callbacks{})

	require.NoError(t, m.RequestStart(protocol.ModeCamera))

	snap := m.Snapshot()
	assert.Equal(t, StateStarting, snap.State)
	assert.Empty(t, snap.SessionID, "no local session identifier before acknowledgment")
	assert.Equal(t, protocol.ModeCamera, snap.Mode)
	assert.Equal(t, []string{protocol.EventStartSession}, emitter.emitted())
}

func TestRequestStart_RejectedOutsideIdle(t *testing.T) {
	emitter := &recordingEmitter{}
	m, _ := newTestMachine(t, emitter, Callbacks{})

	require.NoError(t, m.RequestStart(protocol.ModeCamera))
	err := m.RequestStart(protocol.ModeCamera)
	assert.ErrorIs(t, err, ErrNotIdle)
	assert.Len(t, emitter.emitted(), 1)
}

func TestRequestStart_InvalidMode(t *testing.T) {
	emitter := &recordingEmitter{}
	m, _ := newTestMachine(t, emitter, Callbacks{})

	err := m.RequestStart(protocol.InputMode("screen"))
	assert.Error(t, err)
	assert.Empty(t, emitter.emitted())
}

func TestSessionStarted_AdoptsServerIssuedID(t *testing.T) {
	emitter := &recordingEmitter{}
	var activeID string
	var mu sync.Mutex
	m, bus := newTestMachine(t, emitter, Callbacks{
		OnActive: func(id string) {
			mu.Lock()
			activeID = id
			mu.Unlock()
		},
	})

	startActiveSession(t, m, bus, "s1")

	snap := m.Snapshot()
	assert.Equal(t, "s1", snap.SessionID)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return activeID == "s1"
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStarted_FailureReturnsToIdle(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})

	require.NoError(t, m.RequestStart(protocol.ModeFile))
	bus.deliver(t, protocol.EventSessionStarted, protocol.SessionStartedPayload{Success: false})

	snap := waitForState(t, m, StateIdle)
	assert.NotEmpty(t, snap.LastError)
}

func TestSessionStarted_IgnoredOutsideStarting(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})

	bus.deliver(t, protocol.EventSessionStarted, protocol.SessionStartedPayload{Success: true, SessionID: "ghost"})

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.SessionID)
}

func TestStartTimeout_ReturnsToIdleWithError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	emitter := &recordingEmitter{}
	m := New(emitter, Callbacks{}, clock, 10*time.Second)
	t.Cleanup(m.Stop)

	require.NoError(t, m.RequestStart(protocol.ModeCamera))
	assert.Equal(t, StateStarting, m.Snapshot().State)

	clock.Advance(11 * time.Second)

	snap := waitForState(t, m, StateIdle)
	assert.Contains(t, snap.LastError, "not acknowledged")
}

func TestFrameProcessed_UpdatesCountersAndBackgroundFlag(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	// Three processed frames; the background appears only on the third.
	for i, has := range []bool{false, false, true} {
		bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{
			Success:       true,
			SessionID:     "s1",
			FrameCount:    i + 1,
			Status:        "accumulating",
			HasBackground: has,
		})
		snap := m.Snapshot()
		assert.Equal(t, StateActive, snap.State)
		assert.Equal(t, i+1, snap.FramesProcessed)
		assert.Equal(t, has, snap.HasBackground, "frame %d", i+1)
	}
}

func TestFrameProcessed_HasBackgroundIsMonotonic(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", HasBackground: true})
	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", HasBackground: false})

	assert.True(t, m.Snapshot().HasBackground, "flag must not revert within a session")
}

func TestFrameProcessed_StaleSessionIgnored(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "old", FrameCount: 99})

	assert.Zero(t, m.Snapshot().FramesProcessed)
}

func TestRequestSave_RejectedWithoutBackground_NoWireEvent(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	err := m.RequestSave()
	assert.ErrorIs(t, err, ErrNoBackground)
	assert.NotContains(t, emitter.emitted(), protocol.EventSaveBackground)
}

func TestRequestSave_RejectedWhenNotActive(t *testing.T) {
	emitter := &recordingEmitter{}
	m, _ := newTestMachine(t, emitter, Callbacks{})

	assert.ErrorIs(t, m.RequestSave(), ErrNotActive)
	assert.Empty(t, emitter.emitted())
}

func TestSaveFlow_BackgroundSavedPopulatesArtifact(t *testing.T) {
	emitter := &recordingEmitter{}
	var savedCb SavedBackground
	var mu sync.Mutex
	m, bus := newTestMachine(t, emitter, Callbacks{
		OnSaved: func(s SavedBackground) {
			mu.Lock()
			savedCb = s
			mu.Unlock()
		},
	})
	startActiveSession(t, m, bus, "s1")
	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", HasBackground: true})

	require.NoError(t, m.RequestSave())
	assert.Contains(t, emitter.emitted(), protocol.EventSaveBackground)

	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{
		Success:         true,
		SessionID:       "s1",
		BackgroundImage: []byte{0xff, 0xd8},
		Metadata:        &protocol.BackgroundMetadata{Width: 640, Height: 480, FrameCount: 42},
	})

	require.Eventually(t, func() bool { return m.SavedBackground() != nil }, time.Second, 5*time.Millisecond)
	saved := m.SavedBackground()
	assert.Equal(t, "s1", saved.SessionID)
	assert.Equal(t, []byte{0xff, 0xd8}, saved.Image)
	assert.Equal(t, 640, saved.Width)
	assert.Equal(t, 480, saved.Height)
	assert.Equal(t, 42, saved.FrameCount)
	assert.True(t, m.Snapshot().BackgroundSaved)

	mu.Lock()
	assert.Equal(t, "s1", savedCb.SessionID)
	mu.Unlock()
}

func TestBackgroundSaved_IgnoredAfterRedo(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	m.End("operator stop")
	waitForState(t, m, StateEnded)
	require.NoError(t, m.RequestRedo())

	// A late acknowledgment from the discarded session must not
	// resurrect the artifact.
	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{
		Success:         true,
		SessionID:       "s1",
		BackgroundImage: []byte{0xde, 0xad},
	})

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.BackgroundSaved)
	assert.Nil(t, m.SavedBackground())
}

func TestBackgroundSaved_IgnoredAfterEnd(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	m.End("connection lost")
	waitForState(t, m, StateEnded)

	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{
		Success:         true,
		SessionID:       "s1",
		BackgroundImage: []byte{1},
	})

	assert.Nil(t, m.SavedBackground())
}

func TestBackgroundSaved_StaleSessionIgnored(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{
		Success:         true,
		SessionID:       "old",
		BackgroundImage: []byte{1},
	})

	assert.Nil(t, m.SavedBackground())
	assert.False(t, m.Snapshot().BackgroundSaved)
}

func TestBackgroundSaved_FailureRecordsError(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{Success: false, Message: "storage full"})

	snap := m.Snapshot()
	assert.Contains(t, snap.LastError, "storage full")
	assert.False(t, snap.BackgroundSaved)
}

func TestRequestUpdate_RequiresActiveSession(t *testing.T) {
	emitter := &recordingEmitter{}
	m, _ := newTestMachine(t, emitter, Callbacks{})

	assert.ErrorIs(t, m.RequestUpdate([]byte{1}), ErrNotActive)
	assert.Empty(t, emitter.emitted())
}

func TestRequestUpdate_EmitsFrame(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	require.NoError(t, m.RequestUpdate([]byte{1, 2, 3}))
	assert.Contains(t, emitter.emitted(), protocol.EventUpdateBackground)
}

func TestServerError_RecordedButNotLifecycleEnding(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	bus.deliver(t, protocol.EventError, protocol.ErrorPayload{Message: "processing hiccup"})

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Contains(t, snap.LastError, "processing hiccup")
}

func TestEnd_ClearsSessionButPreservesArtifact(t *testing.T) {
	emitter := &recordingEmitter{}
	var endedReason string
	var mu sync.Mutex
	m, bus := newTestMachine(t, emitter, Callbacks{
		OnEnded: func(reason string) {
			mu.Lock()
			endedReason = reason
			mu.Unlock()
		},
	})
	startActiveSession(t, m, bus, "s1")
	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", HasBackground: true})
	require.NoError(t, m.RequestSave())
	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{Success: true, SessionID: "s1", BackgroundImage: []byte{1}})
	require.Eventually(t, func() bool { return m.SavedBackground() != nil }, time.Second, 5*time.Millisecond)

	m.End("connection lost")

	snap := waitForState(t, m, StateEnded)
	assert.Empty(t, snap.SessionID)
	assert.False(t, snap.HasBackground)
	assert.True(t, snap.BackgroundSaved, "artifact survives session end")
	require.NotNil(t, m.SavedBackground())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return endedReason == "connection lost"
	}, time.Second, 5*time.Millisecond)
}

func TestRedo_DestroysArtifactAndReturnsToIdle(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")
	bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", FrameCount: 5, HasBackground: true})
	require.NoError(t, m.RequestSave())
	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{Success: true, SessionID: "s1", BackgroundImage: []byte{1}})
	require.Eventually(t, func() bool { return m.SavedBackground() != nil }, time.Second, 5*time.Millisecond)

	m.End("operator stop")
	waitForState(t, m, StateEnded)
	require.NoError(t, m.RequestRedo())

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, m.SavedBackground())
	assert.Zero(t, snap.FramesSent)
	assert.Zero(t, snap.FramesProcessed)
	assert.Empty(t, snap.Status)
	assert.Empty(t, snap.LastError)

	// A fresh start must yield a fresh server-issued identifier.
	startActiveSession(t, m, bus, "s2")
	assert.Equal(t, "s2", m.Snapshot().SessionID)
}

func TestRedo_RejectedBeforeEnded(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	assert.ErrorIs(t, m.RequestRedo(), ErrNotEnded)
}

func TestNoteFrameSent_IncrementsCounter(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})
	startActiveSession(t, m, bus, "s1")

	m.NoteFrameSent()
	m.NoteFrameSent()

	assert.Eventually(t, func() bool { return m.Snapshot().FramesSent == 2 }, time.Second, 5*time.Millisecond)
}

func TestFullScenario_ThreeFramesThenSave(t *testing.T) {
	emitter := &recordingEmitter{}
	m, bus := newTestMachine(t, emitter, Callbacks{})

	require.NoError(t, m.RequestStart(protocol.ModeCamera))
	bus.deliver(t, protocol.EventSessionStarted, protocol.SessionStartedPayload{Success: true, SessionID: "s1"})
	waitForState(t, m, StateActive)

	for _, has := range []bool{false, false, true} {
		bus.deliver(t, protocol.EventFrameProcessed, protocol.FrameProcessedPayload{Success: true, SessionID: "s1", HasBackground: has})
	}
	require.True(t, m.Snapshot().HasBackground)

	require.NoError(t, m.RequestSave())
	bus.deliver(t, protocol.EventBackgroundSaved, protocol.BackgroundSavedPayload{Success: true, SessionID: "s1", BackgroundImage: []byte{9}})

	require.Eventually(t, func() bool { return m.SavedBackground() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s1", m.SavedBackground().SessionID)
}
