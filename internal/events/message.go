package events

import (
	"encoding/json"
	"time"

	"vigil/internal/pipeline"
)

// Kind identifies the message type on the event stream.
type Kind string

const (
	KindObservation         Kind = "observation"
	KindThreatEvent         Kind = "threat_event"
	KindCorrelationOpened   Kind = "correlation_opened"
	KindCorrelationExtended Kind = "correlation_extended"
	KindCorrelationClosed   Kind = "correlation_closed"
	KindWorkerStatus        Kind = "worker_status"
)

// Message is the framing every subscriber receives: {type, timestamp, payload}.
type Message struct {
	Type      Kind        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Encode marshals the message to JSON once so fanout does not re-marshal
// per subscriber.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ThreatPayload wraps an observation with its derived threat level.
type ThreatPayload struct {
	Observation pipeline.Observation `json:"observation"`
	ThreatLevel pipeline.ThreatLevel `json:"threat_level"`
	RiskScore   float64              `json:"risk_score"`
}

// Factors is the 5-factor score breakdown attached to correlation events.
type Factors struct {
	Spatial  float64 `json:"spatial"`
	Temporal float64 `json:"temporal"`
	Class    float64 `json:"class"`
	Features float64 `json:"features"`
	Movement float64 `json:"movement"`
}

// CorrelationPayload describes a correlation lifecycle event.
type CorrelationPayload struct {
	CorrelationID   string   `json:"correlation_id"`
	ObservationIDs  []string `json:"observation_ids"`
	JoinedID        string   `json:"joined_observation_id,omitempty"`
	PriorID         string   `json:"prior_observation_id,omitempty"`
	Monitors        []string `json:"monitors"`
	ConfidenceScore float64  `json:"confidence_score"`
	Factors         *Factors `json:"factors,omitempty"`
}

// WorkerStatusPayload reports a stream worker's state and counters.
type WorkerStatusPayload struct {
	CameraID string               `json:"camera_id"`
	State    pipeline.WorkerState `json:"state"`
	Stats    pipeline.WorkerStats `json:"stats"`
}

// NewMessage stamps a message with the current time.
func NewMessage(kind Kind, payload interface{}) *Message {
	return &Message{Type: kind, Timestamp: time.Now(), Payload: payload}
}
