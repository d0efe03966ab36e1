package store

import (
	"log"

	"vigil/internal/events"
)

// Attach subscribes the store to the publisher so threat and correlation
// events are persisted as they happen. Returns the subscription id.
func Attach(pub *events.Publisher, s *Store) string {
	kinds := []events.Kind{
		events.KindThreatEvent,
		events.KindCorrelationOpened,
		events.KindCorrelationExtended,
		events.KindCorrelationClosed,
	}
	return pub.Subscribe(kinds, events.SinkFunc(func(msg *events.Message) error {
		return persist(s, msg)
	}))
}

func persist(s *Store, msg *events.Message) error {
	switch payload := msg.Payload.(type) {
	case *events.ThreatPayload:
		err := s.SaveThreatEvent(&ThreatEventRecord{
			ID:          payload.Observation.ID,
			CameraID:    payload.Observation.CameraID,
			Class:       string(payload.Observation.Class),
			Label:       payload.Observation.Label,
			Confidence:  payload.Observation.Confidence,
			ThreatLevel: string(payload.ThreatLevel),
			RiskScore:   payload.RiskScore,
			Timestamp:   payload.Observation.Timestamp,
		})
		if err != nil {
			log.Printf("[Store] Failed to persist threat event: %v", err)
		}
	case *events.CorrelationPayload:
		err := s.SaveCorrelationEvent(&CorrelationEventRecord{
			CorrelationID: payload.CorrelationID,
			EventType:     string(msg.Type),
			Monitors:      payload.Monitors,
			Confidence:    payload.ConfidenceScore,
			Timestamp:     msg.Timestamp,
		})
		if err != nil {
			log.Printf("[Store] Failed to persist correlation event: %v", err)
		}
	}
	// Persistence failures are logged, not propagated: a full disk must not
	// cost the subscription its live event stream.
	return nil
}
