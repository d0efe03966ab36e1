package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

// scriptSource hands out scripted sessions: openErrs are consumed first,
// then each open yields a session delivering `perSession` frames before
// failing with io.EOF.
type scriptSource struct {
	mu         sync.Mutex
	openErrs   []error
	perSession int
	interval   time.Duration
	opens      int
}

func (s *scriptSource) open(ctx context.Context) (frameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return nil, err
	}
	return &scriptSession{ctx: ctx, remaining: s.perSession, interval: s.interval}, nil
}

func (s *scriptSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type scriptSession struct {
	ctx       context.Context
	remaining int
	interval  time.Duration
}

var jpegStub = []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}

func (s *scriptSession) read() ([]byte, error) {
	if s.remaining == 0 {
		return nil, io.EOF
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case <-time.After(s.interval):
	}
	s.remaining--
	return jpegStub, nil
}

func (s *scriptSession) close() error { return nil }

func fastWorker(t *testing.T, cfg pipeline.CameraConfig, source frameSource, onStatus StatusFunc) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, source, onStatus)
	require.NoError(t, err)
	w.backoffBase = time.Millisecond
	w.backoffCap = 4 * time.Millisecond
	return w
}

func camCfg(id string) pipeline.CameraConfig {
	return pipeline.CameraConfig{
		CameraID:  id,
		SourceURL: "rtsp://example/stream",
		TargetFPS: 30,
	}
}

func TestWorkerDeliversOrderedFrames(t *testing.T) {
	src := &scriptSource{perSession: 3, interval: 50 * time.Millisecond}
	w := fastWorker(t, camCfg("cam-0"), src, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	var ids []uint64
	for frame := range w.Frames() {
		assert.Equal(t, "cam-0", frame.CameraID)
		assert.Equal(t, jpegStub, frame.Data)
		ids = append(ids, frame.FrameID)
		if len(ids) == 3 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestWorkerTerminatesWithoutAutoReconnect(t *testing.T) {
	src := &scriptSource{perSession: 1, interval: time.Millisecond}
	cfg := camCfg("cam-0")
	cfg.AutoReconnect = false
	w := fastWorker(t, cfg, src, nil)
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool {
		return w.State() == pipeline.StateTerminated
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, src.openCount())
	assert.NotEmpty(t, w.Stats().LastError)
}

func TestWorkerReconnectsAfterSourceLoss(t *testing.T) {
	src := &scriptSource{perSession: 1, interval: time.Millisecond}
	cfg := camCfg("cam-0")
	cfg.AutoReconnect = true
	w := fastWorker(t, cfg, src, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Drain so publishing never stalls the assertion below.
	go func() {
		for range w.Frames() {
		}
	}()

	require.Eventually(t, func() bool {
		return src.openCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, w.Stats().ReconnectCount, uint64(2))
}

func TestWorkerTransientOpenErrorsRetry(t *testing.T) {
	src := &scriptSource{
		openErrs:   []error{errors.New("connection refused"), errors.New("connection refused")},
		perSession: 1,
		interval:   time.Millisecond,
	}
	cfg := camCfg("cam-0")
	cfg.AutoReconnect = true
	w := fastWorker(t, cfg, src, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	go func() {
		for range w.Frames() {
		}
	}()

	require.Eventually(t, func() bool {
		return w.Stats().FramesProcessed >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, src.openCount(), 3)
}

func TestWorkerPermanentErrorGivesUp(t *testing.T) {
	perm := &PermanentSourceError{Reason: "bad url"}
	src := &scriptSource{
		openErrs: []error{perm, perm, perm, perm, perm, perm},
	}
	w := fastWorker(t, camCfg("cam-0"), src, nil)
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool {
		return w.State() == pipeline.StateTerminated
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, DefaultMaxInitialAttempts, src.openCount())
	assert.Contains(t, w.Stats().LastError, "bad url")
}

func TestWorkerNewestWins(t *testing.T) {
	src := &scriptSource{perSession: 5, interval: 40 * time.Millisecond}
	cfg := camCfg("cam-0")
	cfg.BufferDepth = 1
	w := fastWorker(t, cfg, src, nil)
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool {
		return w.State() == pipeline.StateTerminated
	}, 3*time.Second, 10*time.Millisecond)

	// Nothing consumed while running: only the newest frame survives.
	var last *pipeline.Frame
	for frame := range w.Frames() {
		last = frame
	}
	require.NotNil(t, last)
	assert.Equal(t, uint64(5), last.FrameID)
	assert.GreaterOrEqual(t, w.Stats().FramesDropped, uint64(4))
}

// Reads discarded by FPS pacing never enter the buffer, so they are reported
// as paced rather than dropped.
func TestWorkerPacingNotCountedAsDropped(t *testing.T) {
	src := &scriptSource{perSession: 30}
	cfg := camCfg("cam-0")
	cfg.TargetFPS = 5
	cfg.BufferDepth = 64
	w := fastWorker(t, cfg, src, nil)
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool {
		return w.State() == pipeline.StateTerminated
	}, 2*time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Zero(t, stats.FramesDropped)
	assert.Equal(t, uint64(30), stats.FramesProcessed+stats.FramesPaced)
	assert.GreaterOrEqual(t, stats.FramesPaced, uint64(25))
}

func TestWorkerStatusTransitions(t *testing.T) {
	var (
		mu     sync.Mutex
		states []pipeline.WorkerState
	)
	src := &scriptSource{perSession: 1, interval: time.Millisecond}
	cfg := camCfg("cam-0")
	w := fastWorker(t, cfg, src, func(stats pipeline.WorkerStats) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, stats.State)
	})
	require.NoError(t, w.Start())

	require.Eventually(t, func() bool {
		return w.State() == pipeline.StateTerminated
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, pipeline.StateConnecting, states[0])
	assert.Contains(t, states, pipeline.StateRunning)
	assert.Equal(t, pipeline.StateTerminated, states[len(states)-1])
}

func TestWorkerRejectsInvalidConfig(t *testing.T) {
	cfg := camCfg("cam-0")
	cfg.TargetFPS = 120
	_, err := NewWorker(cfg, &scriptSource{}, nil)
	assert.Error(t, err)

	cfg = camCfg("")
	_, err = NewWorker(cfg, &scriptSource{}, nil)
	assert.Error(t, err)
}

// An unsupported source url fails worker construction, not the first connect.
func TestWorkerRejectsUnsupportedSource(t *testing.T) {
	cfg := camCfg("cam-0")
	cfg.SourceURL = "file:///clip.mp4"
	_, err := NewWorker(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source url")
}
