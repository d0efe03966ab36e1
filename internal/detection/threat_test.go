package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vigil/internal/pipeline"
)

var (
	noon     = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	lateNight = time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
)

func TestHighConfidenceFirearmIsCritical(t *testing.T) {
	obs := &pipeline.Observation{Class: pipeline.ClassWeapon, Label: "gun", Confidence: 0.92}

	level, risk := DeriveThreat(obs, noon)
	assert.Equal(t, pipeline.ThreatCritical, level)
	assert.InDelta(t, 8.16, risk, 1e-9)
}

func TestKnifeRanksBelowFirearm(t *testing.T) {
	knife := &pipeline.Observation{Class: pipeline.ClassWeapon, Label: "knife", Confidence: 0.8}
	gun := &pipeline.Observation{Class: pipeline.ClassWeapon, Label: "pistol", Confidence: 0.8}

	knifeLevel, knifeRisk := DeriveThreat(knife, noon)
	gunLevel, gunRisk := DeriveThreat(gun, noon)

	assert.Equal(t, pipeline.ThreatMedium, knifeLevel)
	assert.Equal(t, pipeline.ThreatHigh, gunLevel)
	assert.Less(t, knifeRisk, gunRisk)
}

func TestPersonIsLowByDay(t *testing.T) {
	obs := &pipeline.Observation{Class: pipeline.ClassPerson, Confidence: 0.9}

	level, _ := DeriveThreat(obs, noon)
	assert.Equal(t, pipeline.ThreatLow, level)
}

func TestNightBoostsOneStep(t *testing.T) {
	person := &pipeline.Observation{Class: pipeline.ClassPerson, Confidence: 0.9}
	level, _ := DeriveThreat(person, lateNight)
	assert.Equal(t, pipeline.ThreatMedium, level)

	// Already critical: boost saturates.
	gun := &pipeline.Observation{Class: pipeline.ClassWeapon, Label: "rifle", Confidence: 0.95}
	level, _ = DeriveThreat(gun, lateNight)
	assert.Equal(t, pipeline.ThreatCritical, level)
}

func TestNightWindowBounds(t *testing.T) {
	assert.True(t, isNight(time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC)))
	assert.True(t, isNight(time.Date(2026, 8, 24, 5, 59, 0, 0, time.UTC)))
	assert.False(t, isNight(time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)))
	assert.False(t, isNight(time.Date(2026, 8, 24, 21, 59, 0, 0, time.UTC)))
}
