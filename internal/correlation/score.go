package correlation

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"vigil/internal/pipeline"
)

// Weights holds the 5-factor score weights. They must sum to 1.0.
type Weights struct {
	Spatial  float64 `json:"spatial"`
	Temporal float64 `json:"temporal"`
	Class    float64 `json:"class"`
	Features float64 `json:"features"`
	Movement float64 `json:"movement"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{Spatial: 0.30, Temporal: 0.25, Class: 0.20, Features: 0.15, Movement: 0.10}
}

// Validate rejects negative weights and sums off 1.0 by more than 1e-6.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"spatial": w.Spatial, "temporal": w.Temporal, "class": w.Class,
		"features": w.Features, "movement": w.Movement,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	sum := w.Spatial + w.Temporal + w.Class + w.Features + w.Movement
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("factor weights sum to %.6f, want 1.0", sum)
	}
	return nil
}

// WithoutFeatures redistributes the features weight proportionally over the
// remaining factors, for deployments with no feature extractor.
func (w Weights) WithoutFeatures() Weights {
	rest := w.Spatial + w.Temporal + w.Class + w.Movement
	if rest <= 0 {
		return DefaultWeights().WithoutFeatures()
	}
	scale := 1.0 / rest
	return Weights{
		Spatial:  w.Spatial * scale,
		Temporal: w.Temporal * scale,
		Class:    w.Class * scale,
		Movement: w.Movement * scale,
	}
}

// Factors is the per-factor breakdown of one candidate score.
type Factors struct {
	Spatial  float64
	Temporal float64
	Class    float64
	Features float64
	Movement float64
}

// classGroups assigns classes to coarse semantic groups used when the exact
// classes differ.
var classGroups = map[pipeline.ObjectClass]string{
	pipeline.ClassPerson:  "person",
	pipeline.ClassVehicle: "vehicle",
	pipeline.ClassWeapon:  "weapon",
	pipeline.ClassPackage: "object",
	pipeline.ClassOther:   "object",
	pipeline.ClassAnimal:  "animal",
}

// scorePair computes the 5-factor match score between a prior observation on
// another monitor and the incoming one, scaled by the relationship
// multiplier and clamped to [0,1].
func scorePair(prior, incoming *pipeline.Observation, rel Relationship, w Weights, handoff time.Duration) (float64, Factors) {
	f := Factors{
		Spatial:  spatialFactor(prior, incoming, rel),
		Temporal: temporalFactor(prior.Timestamp, incoming.Timestamp, handoff),
		Class:    classFactor(prior.Class, incoming.Class),
		Features: featureFactor(prior.Features, incoming.Features),
		Movement: movementFactor(prior.Movement, incoming.Movement),
	}

	score := w.Spatial*f.Spatial +
		w.Temporal*f.Temporal +
		w.Class*f.Class +
		w.Features*f.Features +
		w.Movement*f.Movement
	score *= rel.Multiplier

	return clamp01(score), f
}

// spatialFactor is 1 minus the normalized distance between bbox centers,
// adjusted by the relationship kind: adjacent passes through, overlapping
// applies a 0.1 floor, sequential weights by how well the prior observation's
// motion points toward the incoming position.
func spatialFactor(prior, incoming *pipeline.Observation, rel Relationship) float64 {
	px, py := prior.BBox.Center()
	ix, iy := incoming.BBox.Center()
	dist := math.Hypot(ix-px, iy-py) / math.Sqrt2
	base := clamp01(1 - dist)

	switch rel.Kind {
	case KindOverlapping:
		return math.Max(base, 0.1)
	case KindSequential:
		if prior.Movement == nil || prior.Movement.Magnitude() == 0 {
			return base
		}
		dx, dy := ix-px, iy-py
		if dx == 0 && dy == 0 {
			return base
		}
		cos := (prior.Movement.DX*dx + prior.Movement.DY*dy) /
			(prior.Movement.Magnitude() * math.Hypot(dx, dy))
		return clamp01(base * 0.5 * (1 + cos))
	default:
		return base
	}
}

// temporalFactor decays linearly over the handoff window.
func temporalFactor(a, b time.Time, handoff time.Duration) float64 {
	dt := b.Sub(a)
	if dt < 0 {
		dt = -dt
	}
	if handoff <= 0 {
		return 0
	}
	return math.Max(0, 1-float64(dt)/float64(handoff))
}

// classFactor is 1 for equal classes, 0.5 for the same semantic group,
// 0 otherwise.
func classFactor(a, b pipeline.ObjectClass) float64 {
	if a == b {
		return 1
	}
	if classGroups[a] != "" && classGroups[a] == classGroups[b] {
		return 0.5
	}
	return 0
}

// featureFactor is the cosine similarity of the feature embeddings, or the
// neutral 0.5 when either side lacks features (or the dimensions disagree).
func featureFactor(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0.5
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0.5
	}
	return clamp01(floats.Dot(a, b) / (na * nb))
}

// movementFactor maps movement vector alignment to [0,1], neutral 0.5 when
// either vector is missing or zero.
func movementFactor(a, b *pipeline.Vector) float64 {
	if a == nil || b == nil {
		return 0.5
	}
	ma, mb := a.Magnitude(), b.Magnitude()
	if ma == 0 || mb == 0 {
		return 0.5
	}
	cos := (a.DX*b.DX + a.DY*b.DY) / (ma * mb)
	return clamp01(0.5 * (1 + cos))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
