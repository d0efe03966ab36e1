package detection

import (
	"context"
	"sync"

	"vigil/internal/pipeline"
)

// StubDetector replays a scripted set of observations keyed by frame id.
// It backs tests and deployments without an inference service.
type StubDetector struct {
	policy Policy

	mu      sync.Mutex
	script  map[uint64][]pipeline.Observation
	healthy bool
	calls   uint64
}

// NewStubDetector creates a healthy stub with the given policy.
func NewStubDetector(policy Policy) *StubDetector {
	if policy.MaxDetections == 0 {
		policy = DefaultPolicy()
	}
	return &StubDetector{
		policy:  policy,
		script:  make(map[uint64][]pipeline.Observation),
		healthy: true,
	}
}

// Script sets the observations returned for a frame id. Camera id and
// timestamp are stamped from the frame at detect time.
func (d *StubDetector) Script(frameID uint64, obs []pipeline.Observation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[frameID] = obs
}

// SetHealthy toggles the reported health.
func (d *StubDetector) SetHealthy(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
}

// Calls returns how many frames were submitted.
func (d *StubDetector) Calls() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Name implements pipeline.Detector.
func (d *StubDetector) Name() string { return "stub" }

// IsHealthy implements pipeline.Detector.
func (d *StubDetector) IsHealthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// Detect implements pipeline.Detector.
func (d *StubDetector) Detect(_ context.Context, frame *pipeline.Frame) ([]pipeline.Observation, error) {
	d.mu.Lock()
	scripted := d.script[frame.FrameID]
	d.calls++
	d.mu.Unlock()

	obs := make([]pipeline.Observation, len(scripted))
	for i, o := range scripted {
		o.CameraID = frame.CameraID
		o.Timestamp = frame.Timestamp
		obs[i] = o
	}
	return d.policy.Apply(obs), nil
}

// Close implements pipeline.Detector.
func (d *StubDetector) Close() error { return nil }
