package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriabw/calibration-frontend/internal/media"
	"github.com/satriabw/calibration-frontend/internal/protocol"
	"github.com/satriabw/calibration-frontend/internal/session"
	"github.com/satriabw/calibration-frontend/internal/transport"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeConnector struct {
	mu      sync.Mutex
	state   transport.State
	sent    []sentEvent
	emitErr error
}

func (c *fakeConnector) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnector) setState(s transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeConnector) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.sent = append(c.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (c *fakeConnector) sentEvents() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentEvent(nil), c.sent...)
}

type fakeSession struct {
	mu         sync.Mutex
	state      session.State
	framesSent atomic.Int64
}

func (s *fakeSession) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Snapshot{State: s.state}
}

func (s *fakeSession) setState(state session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *fakeSession) NoteFrameSent() {
	s.framesSent.Add(1)
}

type fakeFrame struct {
	data     []byte
	released atomic.Bool
}

func (f *fakeFrame) EncodeJPEG(int) ([]byte, error) { return f.data, nil }
func (f *fakeFrame) Bounds() (int, int)             { return 640, 480 }
func (f *fakeFrame) Release()                       { f.released.Store(true) }

type fakeSource struct {
	mu     sync.Mutex
	sample func() (media.Frame, error)
	closed bool
}

func (s *fakeSource) Sample() (media.Frame, error) {
	s.mu.Lock()
	sample := s.sample
	s.mu.Unlock()
	return sample()
}

func (s *fakeSource) setSample(fn func() (media.Frame, error)) {
	s.mu.Lock()
	s.sample = fn
	s.mu.Unlock()
}

func (s *fakeSource) Mode() protocol.InputMode { return protocol.ModeCamera }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func constantSource(data []byte) *fakeSource {
	return &fakeSource{sample: func() (media.Frame, error) {
		return &fakeFrame{data: data}, nil
	}}
}

func newTestLoop(connector *fakeConnector, sess *fakeSession) *Loop {
	return New(connector, sess, Options{RetryDelay: time.Millisecond, StopTimeout: time.Second})
}

func readyParts(t *testing.T) (*fakeConnector, *fakeSession) {
	t.Helper()
	connector := &fakeConnector{state: transport.StateConnected}
	sess := &fakeSession{state: session.StateActive}
	return connector, sess
}

func TestStart_RejectsBadRate(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)

	assert.Error(t, loop.Start(constantSource(nil), 0))
	assert.Error(t, loop.Start(constantSource(nil), 31))
}

func TestStart_RequiresConnectedTransport(t *testing.T) {
	connector, sess := readyParts(t)
	connector.setState(transport.StateDisconnected)
	loop := newTestLoop(connector, sess)

	err := loop.Start(constantSource(nil), 10)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.False(t, loop.Running())
}

func TestStart_RequiresActiveSession(t *testing.T) {
	connector, sess := readyParts(t)
	sess.setState(session.StateIdle)
	loop := newTestLoop(connector, sess)

	err := loop.Start(constantSource(nil), 10)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestStart_WhileRunningIsAnError(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	require.NoError(t, loop.Start(constantSource([]byte{1}), 30))
	assert.ErrorIs(t, loop.Start(constantSource([]byte{2}), 30), ErrRunning)
}

func TestLoop_EmitsFramesAndCounts(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	data := []byte{0xff, 0xd8, 0xff}
	require.NoError(t, loop.Start(constantSource(data), 30))

	require.Eventually(t, func() bool {
		return len(connector.sentEvents()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	sent := connector.sentEvents()
	assert.Equal(t, protocol.EventProcessFrame, sent[0].event)
	payload, ok := sent[0].payload.(protocol.ProcessFramePayload)
	require.True(t, ok)
	assert.Equal(t, data, payload.Frame)

	assert.GreaterOrEqual(t, sess.framesSent.Load(), int64(3))
	assert.Equal(t, data, loop.LastFrame())
}

func TestLoop_ReleasesFrames(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	frame := &fakeFrame{data: []byte{1}}
	emitted := make(chan struct{}, 1)
	source := &fakeSource{sample: func() (media.Frame, error) {
		select {
		case emitted <- struct{}{}:
		default:
		}
		return frame, nil
	}}

	require.NoError(t, loop.Start(source, 30))
	<-emitted

	assert.Eventually(t, frame.released.Load, time.Second, 5*time.Millisecond)
}

func TestLoop_RetriesWhenNoFrameReady(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	var attempts atomic.Int64
	source := &fakeSource{}
	source.setSample(func() (media.Frame, error) {
		if attempts.Add(1) <= 2 {
			return nil, media.ErrNoFrame
		}
		return &fakeFrame{data: []byte{7}}, nil
	})

	require.NoError(t, loop.Start(source, 30))

	require.Eventually(t, func() bool {
		return len(connector.sentEvents()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int64(3))
}

func TestLoop_EmitFailureDropsFrameAndContinues(t *testing.T) {
	connector, sess := readyParts(t)
	connector.emitErr = errors.New("link busy")
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	var samples atomic.Int64
	source := &fakeSource{}
	source.setSample(func() (media.Frame, error) {
		samples.Add(1)
		return &fakeFrame{data: []byte{1}}, nil
	})

	require.NoError(t, loop.Start(source, 30))

	// The loop keeps ticking through emit failures without queueing.
	require.Eventually(t, func() bool {
		return samples.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, connector.sentEvents())
	assert.Zero(t, sess.framesSent.Load())
	assert.True(t, loop.Running())
}

func TestLoop_HaltsWhenTransportDrops(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)

	require.NoError(t, loop.Start(constantSource([]byte{1}), 30))
	require.Eventually(t, func() bool {
		return len(connector.sentEvents()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	connector.setState(transport.StateDisconnected)

	assert.Eventually(t, func() bool {
		return !loop.Running()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoop_HaltsWhenSessionEnds(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)

	require.NoError(t, loop.Start(constantSource([]byte{1}), 30))
	sess.setState(session.StateEnded)

	assert.Eventually(t, func() bool {
		return !loop.Running()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStop_IsIdempotentAndAllowsRestart(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)

	loop.Stop() // never started

	require.NoError(t, loop.Start(constantSource([]byte{1}), 30))
	loop.Stop()
	assert.False(t, loop.Running())
	loop.Stop() // already stopped

	require.NoError(t, loop.Start(constantSource([]byte{2}), 30))
	assert.True(t, loop.Running())
	loop.Stop()
}

func TestLastFrame_ClearedOnRestart(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)
	defer loop.Stop()

	require.NoError(t, loop.Start(constantSource([]byte{1, 2}), 30))
	require.Eventually(t, func() bool {
		return loop.LastFrame() != nil
	}, 2*time.Second, 5*time.Millisecond)
	loop.Stop()
	require.NotNil(t, loop.LastFrame())

	// A new run must not serve the previous engagement's frame.
	starved := &fakeSource{sample: func() (media.Frame, error) {
		return nil, media.ErrNoFrame
	}}
	require.NoError(t, loop.Start(starved, 30))
	assert.Nil(t, loop.LastFrame())
}

func TestLastFrame_NilBeforeFirstEmit(t *testing.T) {
	connector, sess := readyParts(t)
	loop := newTestLoop(connector, sess)

	assert.Nil(t, loop.LastFrame())
}
