package detection

import (
	"time"

	"vigil/internal/pipeline"
)

// Base risk by object kind, on a 0-10 scale. The raw label splits the weapon
// class: firearms outrank knives.
const (
	riskFirearm = 8.5
	riskKnife   = 6.5
	riskActor   = 2.0
	riskBenign  = 1.0
)

// baseRisk returns the class's risk before confidence weighting.
func baseRisk(obs *pipeline.Observation) float64 {
	if obs.Class == pipeline.ClassWeapon {
		if obs.Label == "knife" {
			return riskKnife
		}
		return riskFirearm
	}
	switch obs.Class {
	case pipeline.ClassPerson, pipeline.ClassVehicle, pipeline.ClassPackage:
		return riskActor
	default:
		return riskBenign
	}
}

// RiskScore weights the base risk by detection confidence: a borderline
// detection scores half its class risk, a certain one the full value.
func RiskScore(obs *pipeline.Observation) float64 {
	return baseRisk(obs) * (0.5 + 0.5*obs.Confidence)
}

// isNight reports whether the local clock falls in the 22:00-06:00 window.
func isNight(at time.Time) bool {
	h := at.Hour()
	return h >= 22 || h < 6
}

// DeriveThreat maps an observation to its severity. Detections during the
// night window are boosted one step.
func DeriveThreat(obs *pipeline.Observation, at time.Time) (pipeline.ThreatLevel, float64) {
	risk := RiskScore(obs)

	var level pipeline.ThreatLevel
	switch {
	case risk >= 8:
		level = pipeline.ThreatCritical
	case risk >= 6:
		level = pipeline.ThreatHigh
	case risk >= 3:
		level = pipeline.ThreatMedium
	default:
		level = pipeline.ThreatLow
	}

	if isNight(at) {
		level = level.Boost()
	}
	return level, risk
}
