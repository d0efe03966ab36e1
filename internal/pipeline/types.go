package pipeline

import (
	"fmt"
	"math"
	"time"
)

// ObjectClass is the normalized detection class used throughout the pipeline.
type ObjectClass string

const (
	ClassPerson  ObjectClass = "person"
	ClassVehicle ObjectClass = "vehicle"
	ClassWeapon  ObjectClass = "weapon"
	ClassPackage ObjectClass = "package"
	ClassAnimal  ObjectClass = "animal"
	ClassOther   ObjectClass = "other"
)

// classAliases maps raw detector labels to normalized classes.
// Unknown labels fall through to ClassOther.
var classAliases = map[string]ObjectClass{
	"person":     ClassPerson,
	"pedestrian": ClassPerson,
	"car":        ClassVehicle,
	"truck":      ClassVehicle,
	"bus":        ClassVehicle,
	"motorcycle": ClassVehicle,
	"bicycle":    ClassVehicle,
	"vehicle":    ClassVehicle,
	"weapon":     ClassWeapon,
	"gun":        ClassWeapon,
	"pistol":     ClassWeapon,
	"rifle":      ClassWeapon,
	"knife":      ClassWeapon,
	"package":    ClassPackage,
	"backpack":   ClassPackage,
	"suitcase":   ClassPackage,
	"handbag":    ClassPackage,
	"dog":        ClassAnimal,
	"cat":        ClassAnimal,
	"bird":       ClassAnimal,
	"animal":     ClassAnimal,
}

// NormalizeClass maps a raw detector label to an ObjectClass.
func NormalizeClass(label string) ObjectClass {
	if c, ok := classAliases[label]; ok {
		return c
	}
	return ClassOther
}

// ThreatLevel is the derived severity of an observation.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Rank returns the ordinal position of the level (LOW=0 .. CRITICAL=3).
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatMedium:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	default:
		return 0
	}
}

// Boost raises the level by one step, saturating at CRITICAL.
func (t ThreatLevel) Boost() ThreatLevel {
	switch t {
	case ThreatLow:
		return ThreatMedium
	case ThreatMedium:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

// Frame is a single captured video frame. FrameID is strictly increasing
// within one worker session and restarts at 1 after Stop/Start.
type Frame struct {
	CameraID  string    `json:"camera_id"`
	FrameID   uint64    `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"-"` // JPEG bytes
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

// BBox is a bounding box in normalized [0,1] frame coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center point.
func (b BBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Valid reports whether the box lies inside the unit square.
func (b BBox) Valid() bool {
	if b.W < 0 || b.H < 0 {
		return false
	}
	return b.X >= 0 && b.Y >= 0 && b.X+b.W <= 1+1e-9 && b.Y+b.H <= 1+1e-9
}

// Vector is a 2D movement estimate in normalized units per second.
type Vector struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Magnitude returns the Euclidean length of the vector.
func (v Vector) Magnitude() float64 {
	return math.Hypot(v.DX, v.DY)
}

// Observation is one detection in one frame on one camera, normalized at the
// detection boundary before it reaches the correlation engine.
type Observation struct {
	ID         string      `json:"observation_id"`
	CameraID   string      `json:"camera_id"`
	ZoneID     string      `json:"zone_id,omitempty"`
	Class      ObjectClass `json:"class"`
	Label      string      `json:"label,omitempty"` // raw detector label (e.g. "knife")
	Confidence float64     `json:"confidence"`
	BBox       BBox        `json:"bbox"`
	Movement   *Vector     `json:"movement_vector,omitempty"`
	Features   []float64   `json:"features,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Validate checks the fields the correlation engine requires. An observation
// that fails validation must not be admitted.
func (o *Observation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("observation missing id")
	}
	if o.CameraID == "" {
		return fmt.Errorf("observation %s missing camera_id", o.ID)
	}
	if o.Class == "" {
		return fmt.Errorf("observation %s missing class", o.ID)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("observation %s confidence %.3f out of range", o.ID, o.Confidence)
	}
	if !o.BBox.Valid() {
		return fmt.Errorf("observation %s bbox outside unit square", o.ID)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("observation %s missing timestamp", o.ID)
	}
	return nil
}

// CameraConfig describes one camera source. camera_id is stable for the
// camera's entire participation; the config is immutable while its worker runs.
type CameraConfig struct {
	CameraID         string `json:"camera_id"`
	SourceURL        string `json:"source_url"`
	TargetFPS        int    `json:"target_fps"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	BufferDepth      int    `json:"buffer_depth"`
	AutoReconnect    bool   `json:"auto_reconnect"`
	DetectionEnabled bool   `json:"detection_enabled"`
	ZoneID           string `json:"zone_id,omitempty"`
}

// ApplyDefaults fills zero-valued tunables from worker defaults.
func (c *CameraConfig) ApplyDefaults(fps, bufferDepth int) {
	if c.TargetFPS == 0 {
		c.TargetFPS = fps
	}
	if c.BufferDepth == 0 {
		c.BufferDepth = bufferDepth
	}
}

// Validate checks the config before a worker is created.
func (c *CameraConfig) Validate() error {
	if c.CameraID == "" {
		return fmt.Errorf("camera_id required")
	}
	if c.SourceURL == "" {
		return fmt.Errorf("camera %s: source_url required", c.CameraID)
	}
	if c.TargetFPS < 1 || c.TargetFPS > 60 {
		return fmt.Errorf("camera %s: target_fps %d outside 1-60", c.CameraID, c.TargetFPS)
	}
	if c.BufferDepth < 1 {
		return fmt.Errorf("camera %s: buffer_depth must be positive", c.CameraID)
	}
	return nil
}

// WorkerState is the stream worker lifecycle state.
type WorkerState string

const (
	StateIdle         WorkerState = "idle"
	StateConnecting   WorkerState = "connecting"
	StateRunning      WorkerState = "running"
	StateReconnecting WorkerState = "reconnecting"
	StateStopping     WorkerState = "stopping"
	StateTerminated   WorkerState = "terminated"
)

// WorkerStats is a snapshot of a stream worker's counters. FramesDropped
// counts buffer-overflow evictions only; reads discarded by FPS pacing are
// reported separately as FramesPaced.
type WorkerStats struct {
	CameraID        string      `json:"camera_id"`
	State           WorkerState `json:"state"`
	Connected       bool        `json:"connected"`
	FramesProcessed uint64      `json:"frames_processed"`
	FramesDropped   uint64      `json:"frames_dropped"`
	FramesPaced     uint64      `json:"frames_paced"`
	FPSActual       float64     `json:"fps_actual"`
	ReconnectCount  uint64      `json:"reconnect_count"`
	LastError       string      `json:"last_error,omitempty"`
}
