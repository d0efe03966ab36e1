package stream

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vigil/internal/pipeline"
)

const (
	// DefaultTargetFPS is used when a camera config leaves target_fps unset.
	DefaultTargetFPS = 10
	// DefaultBufferDepth is the frame channel capacity.
	DefaultBufferDepth = 8
	// DefaultMaxInitialAttempts bounds retries on permanent source errors.
	DefaultMaxInitialAttempts = 5

	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
	// backoffJitter is the relative jitter applied to each delay.
	backoffJitter = 0.25

	stopTimeout = 5 * time.Second
)

// frameSource opens capture sessions for one camera.
type frameSource interface {
	open(ctx context.Context) (frameSession, error)
}

// frameSession is one live capture. read blocks for the next JPEG and must
// unblock with an error when the open context is canceled.
type frameSession interface {
	read() ([]byte, error)
	close() error
}

// StatusFunc receives worker state transitions and counter snapshots.
type StatusFunc func(stats pipeline.WorkerStats)

// Worker drives capture for one camera: it owns the ffmpeg session, paces
// frames to target_fps, and reconnects with jittered exponential backoff.
// Frames flow out through a bounded channel where the newest frame wins.
type Worker struct {
	cfg      pipeline.CameraConfig
	source   frameSource
	onStatus StatusFunc

	frames  chan *pipeline.Frame
	limiter *rate.Limiter
	rng     *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	backoffBase time.Duration
	backoffCap  time.Duration

	mu            sync.Mutex
	state         pipeline.WorkerState
	connected     bool
	frameSeq      uint64
	processed     uint64
	dropped       uint64
	paced         uint64
	reconnects    uint64
	lastError     string
	lastFrameAt   time.Time
	fpsEMA        float64
	maxAttempts   int
	startedOnce   bool
}

// NewWorker validates the config and creates an idle worker. An unsupported
// source url is a configuration error and fails here, before any capture
// attempt.
func NewWorker(cfg pipeline.CameraConfig, source frameSource, onStatus StatusFunc) (*Worker, error) {
	cfg.ApplyDefaults(DefaultTargetFPS, DefaultBufferDepth)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateSourceURL(cfg.SourceURL); err != nil {
		return nil, fmt.Errorf("camera %s: %w", cfg.CameraID, err)
	}
	if source == nil {
		source = newFFmpegSource(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:         cfg,
		source:      source,
		onStatus:    onStatus,
		frames:      make(chan *pipeline.Frame, cfg.BufferDepth),
		limiter:     rate.NewLimiter(rate.Limit(cfg.TargetFPS), 1),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       pipeline.StateIdle,
		maxAttempts: DefaultMaxInitialAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}, nil
}

// Config returns the worker's immutable camera config.
func (w *Worker) Config() pipeline.CameraConfig { return w.cfg }

// Frames is the worker's output channel. It is closed when the worker
// terminates.
func (w *Worker) Frames() <-chan *pipeline.Frame { return w.frames }

// Start moves the worker from idle to connecting and launches the capture
// loop. A worker starts at most once; frame ids begin at 1 for its lifetime.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.startedOnce {
		w.mu.Unlock()
		return ErrCameraExists
	}
	w.startedOnce = true
	w.mu.Unlock()

	w.setState(pipeline.StateConnecting)
	go w.run()
	return nil
}

// Stop requests shutdown and waits up to the stop timeout for the capture
// loop to exit. The worker always ends terminated; a stuck session is
// abandoned to its killed subprocess.
func (w *Worker) Stop() {
	w.mu.Lock()
	started := w.startedOnce
	w.mu.Unlock()

	w.setState(pipeline.StateStopping)
	w.cancel()

	if started {
		select {
		case <-w.done:
		case <-time.After(stopTimeout):
			log.Printf("[Worker %s] Stop timed out, abandoning session", w.cfg.CameraID)
		}
	}
	w.setState(pipeline.StateTerminated)
}

// State returns the current lifecycle state.
func (w *Worker) State() pipeline.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() pipeline.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return pipeline.WorkerStats{
		CameraID:        w.cfg.CameraID,
		State:           w.state,
		Connected:       w.connected,
		FramesProcessed: w.processed,
		FramesDropped:   w.dropped,
		FramesPaced:     w.paced,
		FPSActual:       w.fpsEMA,
		ReconnectCount:  w.reconnects,
		LastError:       w.lastError,
	}
}

func (w *Worker) setState(s pipeline.WorkerState) {
	w.mu.Lock()
	if w.state == pipeline.StateTerminated {
		w.mu.Unlock()
		return
	}
	changed := w.state != s
	w.state = s
	if s != pipeline.StateRunning {
		w.connected = false
	}
	w.mu.Unlock()

	if changed {
		log.Printf("[Worker %s] State -> %s", w.cfg.CameraID, s)
		w.emitStatus()
	}
}

func (w *Worker) emitStatus() {
	if w.onStatus != nil {
		w.onStatus(w.Stats())
	}
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
}

// run is the capture loop: connect, consume until failure, back off,
// reconnect. Permanent errors before the first successful session terminate
// the worker after maxAttempts.
func (w *Worker) run() {
	defer close(w.done)
	defer close(w.frames)

	attempts := 0
	everConnected := false

	for {
		if w.ctx.Err() != nil {
			return
		}

		session, err := w.source.open(w.ctx)
		if err != nil {
			attempts++
			w.setError(err)
			if IsPermanent(err) && !everConnected && attempts >= w.maxAttempts {
				log.Printf("[Worker %s] Giving up after %d attempts: %v", w.cfg.CameraID, attempts, err)
				w.setState(pipeline.StateTerminated)
				w.emitStatus()
				return
			}
			if !w.sleepBackoff(attempts) {
				return
			}
			w.setState(pipeline.StateReconnecting)
			continue
		}

		everConnected = true
		attempts = 0
		w.mu.Lock()
		w.connected = true
		w.mu.Unlock()
		w.setState(pipeline.StateRunning)
		w.emitStatus()

		err = w.consume(session)
		session.close()
		if w.ctx.Err() != nil {
			return
		}

		w.setError(err)
		if !w.cfg.AutoReconnect {
			log.Printf("[Worker %s] Source lost and auto_reconnect disabled: %v", w.cfg.CameraID, err)
			w.setState(pipeline.StateTerminated)
			w.emitStatus()
			return
		}

		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
		w.setState(pipeline.StateReconnecting)
		if !w.sleepBackoff(1) {
			return
		}
	}
}

// consume reads frames until the session fails, pacing to target_fps and
// publishing with a newest-wins drop policy.
func (w *Worker) consume(session frameSession) error {
	for {
		data, err := session.read()
		if err != nil {
			return err
		}
		if w.ctx.Err() != nil {
			return w.ctx.Err()
		}

		// Pace: reads beyond the target rate are discarded. These never
		// entered the buffer, so they do not count as dropped.
		if !w.limiter.Allow() {
			w.mu.Lock()
			w.paced++
			w.mu.Unlock()
			continue
		}

		now := time.Now()
		w.mu.Lock()
		w.frameSeq++
		frame := &pipeline.Frame{
			CameraID:  w.cfg.CameraID,
			FrameID:   w.frameSeq,
			Timestamp: now,
			Data:      data,
			Width:     w.cfg.Width,
			Height:    w.cfg.Height,
		}
		w.processed++
		if !w.lastFrameAt.IsZero() {
			if dt := now.Sub(w.lastFrameAt).Seconds(); dt > 0 {
				inst := 1.0 / dt
				if w.fpsEMA == 0 {
					w.fpsEMA = inst
				} else {
					w.fpsEMA = 0.2*inst + 0.8*w.fpsEMA
				}
			}
		}
		w.lastFrameAt = now
		w.mu.Unlock()

		w.publish(frame)
	}
}

// publish enqueues newest-wins: a full buffer evicts its oldest frame.
func (w *Worker) publish(frame *pipeline.Frame) {
	select {
	case w.frames <- frame:
		return
	default:
	}

	select {
	case <-w.frames:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	default:
	}
	select {
	case w.frames <- frame:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// sleepBackoff waits the jittered exponential delay for the attempt number.
// Returns false when the worker is stopping.
func (w *Worker) sleepBackoff(attempt int) bool {
	delay := w.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.backoffCap {
			delay = w.backoffCap
			break
		}
	}
	// Jitter to avoid reconnect stampedes across workers.
	w.mu.Lock()
	factor := 1 - backoffJitter + 2*backoffJitter*w.rng.Float64()
	w.mu.Unlock()
	delay = time.Duration(float64(delay) * factor)

	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
