package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func boxAt(x, y float64) pipeline.BBox {
	return pipeline.BBox{X: x, Y: y, W: 0.1, H: 0.1}
}

func TestTrackerEstimatesMovement(t *testing.T) {
	tr := NewMotionTracker()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	first := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.2, 0.5)}}
	tr.Annotate("cam-0", base, first)
	assert.Nil(t, first[0].Movement, "no baseline on the first frame")

	second := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.3, 0.5)}}
	tr.Annotate("cam-0", base.Add(500*time.Millisecond), second)

	require.NotNil(t, second[0].Movement)
	assert.InDelta(t, 0.2, second[0].Movement.DX, 1e-9)
	assert.InDelta(t, 0.0, second[0].Movement.DY, 1e-9)
}

func TestTrackerIgnoresOtherClasses(t *testing.T) {
	tr := NewMotionTracker()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tr.Annotate("cam-0", base, []pipeline.Observation{
		{Class: pipeline.ClassVehicle, BBox: boxAt(0.2, 0.5)},
	})
	next := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.22, 0.5)}}
	tr.Annotate("cam-0", base.Add(time.Second), next)

	assert.Nil(t, next[0].Movement)
}

func TestTrackerMatchRadius(t *testing.T) {
	tr := NewMotionTracker()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tr.Annotate("cam-0", base, []pipeline.Observation{
		{Class: pipeline.ClassPerson, BBox: boxAt(0.1, 0.1)},
	})
	// Jumped most of the frame in one step: not the same object.
	far := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.8, 0.8)}}
	tr.Annotate("cam-0", base.Add(200*time.Millisecond), far)

	assert.Nil(t, far[0].Movement)
}

func TestTrackerIsPerCamera(t *testing.T) {
	tr := NewMotionTracker()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tr.Annotate("cam-0", base, []pipeline.Observation{
		{Class: pipeline.ClassPerson, BBox: boxAt(0.2, 0.5)},
	})
	other := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.25, 0.5)}}
	tr.Annotate("cam-1", base.Add(time.Second), other)

	assert.Nil(t, other[0].Movement)
}

func TestTrackerForget(t *testing.T) {
	tr := NewMotionTracker()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tr.Annotate("cam-0", base, []pipeline.Observation{
		{Class: pipeline.ClassPerson, BBox: boxAt(0.2, 0.5)},
	})
	tr.Forget("cam-0")

	next := []pipeline.Observation{{Class: pipeline.ClassPerson, BBox: boxAt(0.25, 0.5)}}
	tr.Annotate("cam-0", base.Add(time.Second), next)
	assert.Nil(t, next[0].Movement)
}
