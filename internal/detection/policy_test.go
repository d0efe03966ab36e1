package detection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func obsWith(class pipeline.ObjectClass, conf float64) pipeline.Observation {
	return pipeline.Observation{Class: class, Confidence: conf}
}

func TestPolicyThresholds(t *testing.T) {
	p := DefaultPolicy()

	kept := p.Apply([]pipeline.Observation{
		obsWith(pipeline.ClassPerson, 0.50),  // at threshold, kept
		obsWith(pipeline.ClassPerson, 0.49),  // below, dropped
		obsWith(pipeline.ClassVehicle, 0.59), // below vehicle threshold
		obsWith(pipeline.ClassVehicle, 0.60),
		obsWith(pipeline.ClassWeapon, 0.31), // weapons admitted low
		obsWith(pipeline.ClassWeapon, 0.29),
		obsWith(pipeline.ClassOther, 0.55),
	})

	require.Len(t, kept, 4)
	classes := make([]pipeline.ObjectClass, len(kept))
	for i, o := range kept {
		classes[i] = o.Class
	}
	assert.ElementsMatch(t, []pipeline.ObjectClass{
		pipeline.ClassPerson, pipeline.ClassVehicle, pipeline.ClassWeapon, pipeline.ClassOther,
	}, classes)
}

func TestPolicyUnlistedClassUsesDefault(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 0.5, p.Threshold(pipeline.ClassAnimal))
}

func TestPolicyMinThreshold(t *testing.T) {
	assert.Equal(t, 0.3, DefaultPolicy().MinThreshold())
}

func TestPolicyCapKeepsHighestConfidence(t *testing.T) {
	p := DefaultPolicy()
	p.MaxDetections = 3

	var input []pipeline.Observation
	for i := 0; i < 10; i++ {
		o := obsWith(pipeline.ClassPerson, 0.5+float64(i)*0.05)
		o.ID = fmt.Sprintf("o-%d", i)
		input = append(input, o)
	}

	kept := p.Apply(input)
	require.Len(t, kept, 3)
	for _, o := range kept {
		assert.GreaterOrEqual(t, o.Confidence, 0.85)
	}
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	p.Thresholds[pipeline.ClassPerson] = 1.5
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MaxDetections = 0
	assert.Error(t, p.Validate())
}
