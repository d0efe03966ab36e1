package pipeline

import (
	"context"
)

// Detector is the unified interface for detection backends.
// Implementations must be safe for concurrent invocation or serialize
// internally; a single instance may be shared by all stream workers.
type Detector interface {
	// Name returns the detector identifier (e.g., "http", "stub")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect runs inference on a frame and returns raw detections.
	// A frame-level inference failure returns an error; it must never
	// panic or take down the calling worker.
	Detect(ctx context.Context, frame *Frame) ([]Observation, error)

	// Close releases detector resources
	Close() error
}

// ResultHandler receives the observations produced for one frame after the
// detection policy has been applied.
type ResultHandler interface {
	OnObservations(frame *Frame, observations []Observation)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(frame *Frame, observations []Observation)

// OnObservations implements ResultHandler.
func (f ResultHandlerFunc) OnObservations(frame *Frame, observations []Observation) {
	f(frame, observations)
}
