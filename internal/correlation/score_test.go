package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func TestDefaultWeightsValid(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
}

func TestWeightsValidateRejectsBadSum(t *testing.T) {
	w := Weights{Spatial: 0.5, Temporal: 0.5, Class: 0.5}
	assert.Error(t, w.Validate())

	w = Weights{Spatial: -0.1, Temporal: 0.5, Class: 0.3, Features: 0.2, Movement: 0.1}
	assert.Error(t, w.Validate())
}

func TestWithoutFeaturesRedistributes(t *testing.T) {
	w := DefaultWeights().WithoutFeatures()

	assert.Zero(t, w.Features)
	require.NoError(t, w.Validate())
	// Proportions among the remaining factors are preserved.
	assert.InDelta(t, 0.30/0.85, w.Spatial, 1e-9)
	assert.InDelta(t, 0.25/0.85, w.Temporal, 1e-9)
	assert.InDelta(t, 0.20/0.85, w.Class, 1e-9)
	assert.InDelta(t, 0.10/0.85, w.Movement, 1e-9)
}

func TestTemporalFactor(t *testing.T) {
	base := time.Unix(1000, 0)
	handoff := 8 * time.Second

	assert.InDelta(t, 1.0, temporalFactor(base, base, handoff), 1e-9)
	assert.InDelta(t, 0.5625, temporalFactor(base, base.Add(3500*time.Millisecond), handoff), 1e-9)
	assert.InDelta(t, 0.0, temporalFactor(base, base.Add(8*time.Second), handoff), 1e-9)
	assert.InDelta(t, 0.0, temporalFactor(base, base.Add(12*time.Second), handoff), 1e-9)
	// Symmetric in argument order.
	assert.InDelta(t, 0.5625, temporalFactor(base.Add(3500*time.Millisecond), base, handoff), 1e-9)
}

func TestSpatialFactor(t *testing.T) {
	at := func(x, y float64) *pipeline.Observation {
		return &pipeline.Observation{BBox: pipeline.BBox{X: x, Y: y, W: 0, H: 0}}
	}
	adjacent := Relationship{Kind: KindAdjacent, Multiplier: 1.0}

	assert.InDelta(t, 1.0, spatialFactor(at(0.5, 0.5), at(0.5, 0.5), adjacent), 1e-9)
	assert.InDelta(t, 0.0, spatialFactor(at(0, 0), at(1, 1), adjacent), 1e-9)

	// Overlapping views never score below the floor.
	overlapping := Relationship{Kind: KindOverlapping, Multiplier: 1.0}
	assert.InDelta(t, 0.1, spatialFactor(at(0, 0), at(1, 1), overlapping), 1e-9)

	// Sequential: motion pointing at the new position keeps the base score,
	// motion pointing away suppresses it.
	sequential := Relationship{Kind: KindSequential, Multiplier: 1.0}
	toward := at(0.2, 0.5)
	toward.Movement = &pipeline.Vector{DX: 1, DY: 0}
	away := at(0.2, 0.5)
	away.Movement = &pipeline.Vector{DX: -1, DY: 0}
	target := at(0.4, 0.5)

	base := spatialFactor(toward, target, adjacent)
	assert.InDelta(t, base, spatialFactor(toward, target, sequential), 1e-9)
	assert.InDelta(t, 0.0, spatialFactor(away, target, sequential), 1e-9)
}

func TestClassFactor(t *testing.T) {
	assert.Equal(t, 1.0, classFactor(pipeline.ClassPerson, pipeline.ClassPerson))
	assert.Equal(t, 0.5, classFactor(pipeline.ClassPackage, pipeline.ClassOther))
	assert.Equal(t, 0.0, classFactor(pipeline.ClassPerson, pipeline.ClassVehicle))
}

func TestFeatureFactor(t *testing.T) {
	assert.InDelta(t, 1.0, featureFactor([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, featureFactor([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.5, featureFactor(nil, []float64{1, 2}))
	assert.Equal(t, 0.5, featureFactor([]float64{1, 2}, []float64{1, 2, 3}))
	assert.Equal(t, 0.5, featureFactor([]float64{0, 0}, []float64{1, 1}))
}

func TestMovementFactor(t *testing.T) {
	assert.InDelta(t, 1.0, movementFactor(&pipeline.Vector{DX: 1, DY: 0}, &pipeline.Vector{DX: 2, DY: 0}), 1e-9)
	assert.InDelta(t, 0.0, movementFactor(&pipeline.Vector{DX: 1, DY: 0}, &pipeline.Vector{DX: -1, DY: 0}), 1e-9)
	assert.Equal(t, 0.5, movementFactor(nil, &pipeline.Vector{DX: 1, DY: 0}))
	assert.Equal(t, 0.5, movementFactor(&pipeline.Vector{}, &pipeline.Vector{DX: 1, DY: 0}))
}

func TestScorePairHandoff(t *testing.T) {
	base := time.Unix(1000, 0)
	prior := &pipeline.Observation{
		ID: "a", CameraID: "0", Class: pipeline.ClassPerson, Confidence: 0.78,
		BBox:     pipeline.BBox{X: 0.23, Y: 0.21, W: 0.12, H: 0.33},
		Movement: &pipeline.Vector{DX: 2.5, DY: 0.5},
		Timestamp: base,
	}
	incoming := &pipeline.Observation{
		ID: "b", CameraID: "1", Class: pipeline.ClassPerson, Confidence: 0.82,
		BBox:     pipeline.BBox{X: 0.31, Y: 0.25, W: 0.13, H: 0.34},
		Movement: &pipeline.Vector{DX: 1.8, DY: -0.3},
		Timestamp: base.Add(3500 * time.Millisecond),
	}
	rel := Relationship{MonitorA: "1", MonitorB: "0", Kind: KindAdjacent, Multiplier: 1.3}

	score, factors := scorePair(prior, incoming, rel, DefaultWeights(), 8*time.Second)

	assert.GreaterOrEqual(t, factors.Spatial, 0.6)
	assert.InDelta(t, 0.5625, factors.Temporal, 1e-3)
	assert.Equal(t, 1.0, factors.Class)
	assert.Equal(t, 0.5, factors.Features)
	assert.GreaterOrEqual(t, score, 0.65)
	assert.LessOrEqual(t, score, 1.0)
}
