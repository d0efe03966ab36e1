package detection

import (
	"fmt"
	"sort"

	"vigil/internal/pipeline"
)

// DefaultMaxDetections caps the observations kept per frame.
const DefaultMaxDetections = 100

// defaultThreshold applies to classes with no explicit entry.
const defaultThreshold = 0.5

// Policy filters raw detections by per-class confidence thresholds and caps
// the number kept per frame, pruning the lowest-confidence ones first.
type Policy struct {
	Thresholds    map[pipeline.ObjectClass]float64
	MaxDetections int
}

// DefaultPolicy returns the stock thresholds. Weapons are deliberately
// admitted at low confidence so they are never filtered out early.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: map[pipeline.ObjectClass]float64{
			pipeline.ClassPerson:  0.5,
			pipeline.ClassVehicle: 0.6,
			pipeline.ClassWeapon:  0.3,
			pipeline.ClassOther:   0.5,
		},
		MaxDetections: DefaultMaxDetections,
	}
}

// Validate checks threshold and cap bounds.
func (p Policy) Validate() error {
	for class, v := range p.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold for %s is %.3f, want [0,1]", class, v)
		}
	}
	if p.MaxDetections < 1 {
		return fmt.Errorf("max_detections must be positive, got %d", p.MaxDetections)
	}
	return nil
}

// Threshold returns the confidence floor for a class.
func (p Policy) Threshold(class pipeline.ObjectClass) float64 {
	if v, ok := p.Thresholds[class]; ok {
		return v
	}
	return defaultThreshold
}

// MinThreshold returns the lowest configured threshold, used as the
// inference-service cutoff so server-side filtering never beats ours.
func (p Policy) MinThreshold() float64 {
	min := defaultThreshold
	for _, v := range p.Thresholds {
		if v < min {
			min = v
		}
	}
	return min
}

// Apply filters observations below their class threshold and truncates to
// MaxDetections, keeping the highest-confidence ones.
func (p Policy) Apply(obs []pipeline.Observation) []pipeline.Observation {
	kept := obs[:0:len(obs)]
	for _, o := range obs {
		if o.Confidence >= p.Threshold(o.Class) {
			kept = append(kept, o)
		}
	}

	max := p.MaxDetections
	if max < 1 {
		max = DefaultMaxDetections
	}
	if len(kept) > max {
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].Confidence > kept[j].Confidence
		})
		kept = kept[:max]
	}
	return kept
}
