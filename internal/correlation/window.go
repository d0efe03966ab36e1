package correlation

import (
	"time"

	"vigil/internal/pipeline"
)

// observationWindow is the engine's bounded memory of recent observations,
// kept per monitor in arrival order. Entries expire after maxAge; each
// monitor additionally holds at most cap entries, evicting the oldest first.
type observationWindow struct {
	maxAge    time.Duration
	cap       int
	byMonitor map[string][]pipeline.Observation
}

func newObservationWindow(maxAge time.Duration, capPerMonitor int) *observationWindow {
	return &observationWindow{
		maxAge:    maxAge,
		cap:       capPerMonitor,
		byMonitor: make(map[string][]pipeline.Observation),
	}
}

// add appends the observation to its monitor's window, enforcing the
// per-monitor cap. Returns the ids evicted by the cap so the engine can
// clean companion indexes, exactly as evictBefore does.
func (w *observationWindow) add(obs pipeline.Observation) []string {
	entries := append(w.byMonitor[obs.CameraID], obs)
	var evicted []string
	if len(entries) > w.cap {
		cut := len(entries) - w.cap
		for _, old := range entries[:cut] {
			evicted = append(evicted, old.ID)
		}
		entries = entries[cut:]
	}
	w.byMonitor[obs.CameraID] = entries
	return evicted
}

// evictBefore drops entries older than the cutoff. Returns the ids removed
// so the engine can clean companion indexes.
func (w *observationWindow) evictBefore(cutoff time.Time) []string {
	var removed []string
	for monitor, entries := range w.byMonitor {
		idx := 0
		for idx < len(entries) && entries[idx].Timestamp.Before(cutoff) {
			removed = append(removed, entries[idx].ID)
			idx++
		}
		if idx == 0 {
			continue
		}
		if idx == len(entries) {
			delete(w.byMonitor, monitor)
			continue
		}
		kept := make([]pipeline.Observation, len(entries)-idx)
		copy(kept, entries[idx:])
		w.byMonitor[monitor] = kept
	}
	return removed
}

// monitor returns the entries for one monitor in arrival order. The slice is
// the window's own storage; callers must not mutate it.
func (w *observationWindow) monitor(id string) []pipeline.Observation {
	return w.byMonitor[id]
}

// size returns the total number of windowed observations.
func (w *observationWindow) size() int {
	n := 0
	for _, entries := range w.byMonitor {
		n += len(entries)
	}
	return n
}
