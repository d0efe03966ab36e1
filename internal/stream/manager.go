package stream

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"vigil/internal/pipeline"
)

// Manager owns the worker fleet: one worker per camera id.
type Manager struct {
	defaultFPS    int
	defaultBuffer int
	onStatus      StatusFunc

	// newSource builds the capture source for a camera. Tests swap it.
	newSource func(cfg pipeline.CameraConfig) frameSource

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewManager creates an empty fleet with the given worker defaults.
func NewManager(defaultFPS, defaultBuffer int, onStatus StatusFunc) *Manager {
	if defaultFPS <= 0 {
		defaultFPS = DefaultTargetFPS
	}
	if defaultBuffer <= 0 {
		defaultBuffer = DefaultBufferDepth
	}
	return &Manager{
		defaultFPS:    defaultFPS,
		defaultBuffer: defaultBuffer,
		onStatus:      onStatus,
		newSource:     newFFmpegSource,
		workers:       make(map[string]*Worker),
	}
}

// Add validates the config, creates the worker, and starts capture. Adding
// an existing camera id fails without touching the running worker.
func (m *Manager) Add(cfg pipeline.CameraConfig) (*Worker, error) {
	cfg.ApplyDefaults(m.defaultFPS, m.defaultBuffer)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[cfg.CameraID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCameraExists, cfg.CameraID)
	}

	worker, err := NewWorker(cfg, m.newSource(cfg), m.onStatus)
	if err != nil {
		return nil, err
	}
	if err := worker.Start(); err != nil {
		return nil, err
	}
	m.workers[cfg.CameraID] = worker

	log.Printf("[Manager] Camera %s added (source: %s, fps: %d)", cfg.CameraID, cfg.SourceURL, cfg.TargetFPS)
	return worker, nil
}

// Remove stops the camera's worker and forgets it.
func (m *Manager) Remove(cameraID string) error {
	m.mu.Lock()
	worker, exists := m.workers[cameraID]
	if exists {
		delete(m.workers, cameraID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}

	worker.Stop()
	log.Printf("[Manager] Camera %s removed", cameraID)
	return nil
}

// Get returns the worker for a camera id.
func (m *Manager) Get(cameraID string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[cameraID]
	return w, ok
}

// Stats returns worker snapshots ordered by camera id.
func (m *Manager) Stats() []pipeline.WorkerStats {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	out := make([]pipeline.WorkerStats, len(workers))
	for i, w := range workers {
		out[i] = w.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Count returns the number of managed cameras.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// StopAll stops every worker, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
