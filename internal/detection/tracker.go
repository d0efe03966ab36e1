package detection

import (
	"math"
	"sync"
	"time"

	"vigil/internal/pipeline"
)

// matchRadius bounds how far (in normalized units) a detection may move
// between consecutive frames and still be treated as the same object.
const matchRadius = 0.25

// MotionTracker estimates per-object movement vectors by matching each
// detection against the previous frame's detections of the same class on the
// same camera. It is a frame-to-frame nearest-neighbor pass, not a full
// multi-object tracker.
type MotionTracker struct {
	mu   sync.Mutex
	prev map[string]trackerFrame
}

type trackerFrame struct {
	at  time.Time
	obs []pipeline.Observation
}

// NewMotionTracker creates an empty tracker.
func NewMotionTracker() *MotionTracker {
	return &MotionTracker{prev: make(map[string]trackerFrame)}
}

// Annotate fills Movement on each observation from the camera's previous
// frame, then records the frame as the new baseline. Observations with no
// plausible predecessor keep a nil Movement.
func (t *MotionTracker) Annotate(cameraID string, at time.Time, obs []pipeline.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.prev[cameraID]
	if ok {
		dt := at.Sub(last.at).Seconds()
		if dt > 0 {
			for i := range obs {
				if match := nearestSameClass(&obs[i], last.obs); match != nil {
					px, py := match.BBox.Center()
					cx, cy := obs[i].BBox.Center()
					obs[i].Movement = &pipeline.Vector{
						DX: (cx - px) / dt,
						DY: (cy - py) / dt,
					}
				}
			}
		}
	}

	t.prev[cameraID] = trackerFrame{
		at:  at,
		obs: append([]pipeline.Observation(nil), obs...),
	}
}

// Forget drops the camera's baseline, e.g. after a stream reconnect.
func (t *MotionTracker) Forget(cameraID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, cameraID)
}

func nearestSameClass(target *pipeline.Observation, pool []pipeline.Observation) *pipeline.Observation {
	tx, ty := target.BBox.Center()

	var best *pipeline.Observation
	bestDist := matchRadius
	for i := range pool {
		if pool[i].Class != target.Class {
			continue
		}
		px, py := pool[i].BBox.Center()
		if d := math.Hypot(tx-px, ty-py); d < bestDist {
			bestDist = d
			best = &pool[i]
		}
	}
	return best
}
