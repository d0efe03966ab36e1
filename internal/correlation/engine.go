package correlation

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

var (
	// ErrDuplicateObservation is returned when an observation id has
	// already been analyzed. The call leaves engine state untouched.
	ErrDuplicateObservation = errors.New("observation already analyzed")

	// ErrEngineFailed is returned by Analyze after an invariant violation
	// has latched the engine into a failed state.
	ErrEngineFailed = errors.New("correlation engine failed")
)

// InvariantError reports a violated internal invariant. It is fatal to the
// engine: the supervisor must tear the process down (exit code 3).
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "correlation invariant violated: " + e.Detail
}

// Config holds the engine tunables.
type Config struct {
	// MinConfidence is the correlation acceptance threshold. A score
	// exactly at the threshold counts as correlated.
	MinConfidence float64
	// HandoffTimeout bounds the candidate time window and the idle time
	// after which an open correlation is closed.
	HandoffTimeout time.Duration
	// MaxAge bounds observation retention in the window.
	MaxAge time.Duration
	// WindowCap caps windowed observations per monitor.
	WindowCap int
	// ClockSkew widens candidate eligibility to absorb unsynchronized
	// camera clocks. It does not alter the temporal factor.
	ClockSkew time.Duration
	// Weights are the 5-factor score weights; must sum to 1.0.
	Weights Weights
	// DisableFeatures drops the features factor, redistributing its
	// weight proportionally.
	DisableFeatures bool
	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.65,
		HandoffTimeout: 8 * time.Second,
		MaxAge:         300 * time.Second,
		WindowCap:      256,
		ClockSkew:      500 * time.Millisecond,
		Weights:        DefaultWeights(),
		Now:            time.Now,
	}
}

// CorrelationState marks a track open or closed. Closed is terminal.
type CorrelationState string

const (
	StateOpen   CorrelationState = "open"
	StateClosed CorrelationState = "closed"
)

// Correlation is a cross-monitor track: an ordered set of observations on at
// least two distinct cameras believed to represent one actor.
type Correlation struct {
	ID              string                 `json:"correlation_id"`
	Observations    []pipeline.Observation `json:"observations"`
	Monitors        []string               `json:"monitors"`
	ConfidenceScore float64                `json:"confidence_score"`
	OpenedAt        time.Time              `json:"opened_at"`
	LastUpdated     time.Time              `json:"last_updated"`
	State           CorrelationState       `json:"state"`

	scoreSum float64
	joins    int
}

func (c *Correlation) snapshot() *Correlation {
	cp := *c
	cp.Observations = append([]pipeline.Observation(nil), c.Observations...)
	cp.Monitors = append([]string(nil), c.Monitors...)
	return &cp
}

func (c *Correlation) addMonitor(id string) {
	for _, m := range c.Monitors {
		if m == id {
			return
		}
	}
	c.Monitors = append(c.Monitors, id)
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Analyzed         uint64  `json:"analyzed"`
	Rejected         uint64  `json:"rejected"`
	Correlated       uint64  `json:"correlated"`
	OpenCorrelations int     `json:"open_correlations"`
	ClosedTotal      uint64  `json:"closed_total"`
	WindowSize       int     `json:"window_size"`
	LastProcessingMs float64 `json:"last_processing_ms"`
	EMAProcessingMs  float64 `json:"ema_processing_ms"`
	BudgetBreaches   uint64  `json:"budget_breaches"`
}

// analyzeBudget is the per-call processing SLO. The engine only reports
// breaches; it never drops input to stay within budget.
const analyzeBudget = 500 * time.Millisecond

// emaAlpha smooths the running processing-time average.
const emaAlpha = 0.2

// Engine correlates observations across monitors. All state is mutated under
// a single mutex, which is the engine's serialization domain: Analyze and
// sweep calls are processed one at a time in arrival order.
type Engine struct {
	cfg     Config
	weights Weights
	rels    *RelationshipTable
	pub     *events.Publisher

	mu           sync.Mutex
	window       *observationWindow
	correlations map[string]*Correlation
	index        map[string]string    // observation id -> correlation id
	seen         map[string]time.Time // admitted observation ids
	stats        Stats
	failure      error

	fatalCh chan error
}

// NewEngine validates the config and creates an engine. The publisher may be
// nil (events are then discarded), which tests use.
func NewEngine(cfg Config, rels *RelationshipTable, pub *events.Publisher) (*Engine, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.65
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 8 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 300 * time.Second
	}
	if cfg.WindowCap <= 0 {
		cfg.WindowCap = 256
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	weights := cfg.Weights
	if cfg.DisableFeatures {
		weights = weights.WithoutFeatures()
	}
	if rels == nil {
		rels = NewRelationshipTable()
	}

	return &Engine{
		cfg:          cfg,
		weights:      weights,
		rels:         rels,
		pub:          pub,
		window:       newObservationWindow(cfg.MaxAge, cfg.WindowCap),
		correlations: make(map[string]*Correlation),
		index:        make(map[string]string),
		seen:         make(map[string]time.Time),
		fatalCh:      make(chan error, 1),
	}, nil
}

// Relationships exposes the engine's relationship table.
func (e *Engine) Relationships() *RelationshipTable {
	return e.rels
}

// Fatal delivers the engine's invariant-violation error, if one occurs.
func (e *Engine) Fatal() <-chan error {
	return e.fatalCh
}

// candidate pairs a windowed observation with the relationship that admitted
// it and its computed score.
type candidate struct {
	obs     pipeline.Observation
	rel     Relationship
	score   float64
	factors Factors
}

// Analyze decides whether the observation extends or opens a cross-monitor
// correlation. It returns the (possibly new) correlation, or nil when no
// candidate clears the confidence threshold. Invalid input is rejected with
// an error and does not mutate state.
func (e *Engine) Analyze(obs pipeline.Observation) (*Correlation, error) {
	started := time.Now()

	if err := obs.Validate(); err != nil {
		e.mu.Lock()
		e.stats.Rejected++
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailed, e.failure)
	}
	if _, dup := e.seen[obs.ID]; dup {
		e.stats.Rejected++
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObservation, obs.ID)
	}

	now := e.cfg.Now()
	e.evictLocked(now)

	best, ok := e.selectCandidate(&obs)

	// Admit into the window after candidate selection so the observation
	// cannot match itself. Cap evictions release their bookkeeping just as
	// age evictions do.
	for _, id := range e.window.add(obs) {
		delete(e.seen, id)
		delete(e.index, id)
	}
	e.seen[obs.ID] = obs.Timestamp
	e.stats.Analyzed++

	var result *Correlation
	if ok && best.score >= e.cfg.MinConfidence {
		corr, err := e.joinLocked(&obs, best, now)
		if err != nil {
			e.failLocked(err)
			return nil, err
		}
		result = corr.snapshot()
	}

	e.recordTiming(time.Since(started))
	return result, nil
}

// selectCandidate scores every eligible windowed observation on related
// monitors and returns the winner. Ties prefer the more recent candidate,
// then the larger relationship multiplier.
func (e *Engine) selectCandidate(obs *pipeline.Observation) (candidate, bool) {
	eligibility := e.cfg.HandoffTimeout + e.cfg.ClockSkew

	var best candidate
	found := false
	for _, rel := range e.rels.Partners(obs.CameraID) {
		for _, prior := range e.window.monitor(rel.MonitorB) {
			dt := obs.Timestamp.Sub(prior.Timestamp)
			if dt < 0 {
				dt = -dt
			}
			if dt > eligibility {
				continue
			}
			// A member of a closed track stays bound to it until the window
			// forgets it; letting it seed a fresh correlation would put one
			// observation in two tracks.
			if corrID, joined := e.index[prior.ID]; joined {
				if _, open := e.correlations[corrID]; !open {
					continue
				}
			}
			score, factors := scorePair(&prior, obs, rel, e.weights, e.cfg.HandoffTimeout)
			cand := candidate{obs: prior, rel: rel, score: score, factors: factors}
			if !found || better(cand, best) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}

// better implements the tie-break ordering between candidates.
func better(a, b candidate) bool {
	const eps = 1e-9
	if a.score > b.score+eps {
		return true
	}
	if a.score < b.score-eps {
		return false
	}
	if !a.obs.Timestamp.Equal(b.obs.Timestamp) {
		return a.obs.Timestamp.After(b.obs.Timestamp)
	}
	return a.rel.Multiplier > b.rel.Multiplier
}

// joinLocked extends the winner's correlation or opens a new one, updates
// the index, checks invariants, and emits the correlation event.
func (e *Engine) joinLocked(obs *pipeline.Observation, best candidate, now time.Time) (*Correlation, error) {
	var (
		corr   *Correlation
		opened bool
	)

	if corrID, joined := e.index[best.obs.ID]; joined {
		existing, ok := e.correlations[corrID]
		if !ok {
			return nil, &InvariantError{Detail: fmt.Sprintf("index references missing correlation %s", corrID)}
		}
		corr = existing
	} else {
		corr = &Correlation{
			ID:           uuid.New().String(),
			Observations: []pipeline.Observation{best.obs},
			OpenedAt:     now,
			State:        StateOpen,
		}
		corr.addMonitor(best.obs.CameraID)
		e.correlations[corr.ID] = corr
		e.index[best.obs.ID] = corr.ID
		opened = true
	}

	if corr.State != StateOpen {
		return nil, &InvariantError{Detail: fmt.Sprintf("joined closed correlation %s", corr.ID)}
	}
	if _, already := e.index[obs.ID]; already {
		return nil, &InvariantError{Detail: fmt.Sprintf("observation %s joined twice", obs.ID)}
	}

	corr.Observations = append(corr.Observations, *obs)
	corr.addMonitor(obs.CameraID)
	corr.scoreSum += best.score
	corr.joins++
	corr.ConfidenceScore = corr.scoreSum / float64(corr.joins)
	corr.LastUpdated = now
	e.index[obs.ID] = corr.ID
	e.stats.Correlated++

	if len(corr.Observations) < 2 || len(corr.Monitors) < 2 {
		return nil, &InvariantError{Detail: fmt.Sprintf("correlation %s spans %d observations on %d monitors", corr.ID, len(corr.Observations), len(corr.Monitors))}
	}

	kind := events.KindCorrelationExtended
	if opened {
		kind = events.KindCorrelationOpened
	}
	e.emit(kind, &events.CorrelationPayload{
		CorrelationID:   corr.ID,
		ObservationIDs:  observationIDs(corr),
		JoinedID:        obs.ID,
		PriorID:         best.obs.ID,
		Monitors:        append([]string(nil), corr.Monitors...),
		ConfidenceScore: corr.ConfidenceScore,
		Factors: &events.Factors{
			Spatial:  best.factors.Spatial,
			Temporal: best.factors.Temporal,
			Class:    best.factors.Class,
			Features: best.factors.Features,
			Movement: best.factors.Movement,
		},
	})

	return corr, nil
}

func observationIDs(c *Correlation) []string {
	ids := make([]string, len(c.Observations))
	for i, o := range c.Observations {
		ids[i] = o.ID
	}
	return ids
}

// evictLocked drops expired window entries and their bookkeeping.
func (e *Engine) evictLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.MaxAge)
	for _, id := range e.window.evictBefore(cutoff) {
		delete(e.seen, id)
		delete(e.index, id)
	}
}

// Sweep closes correlations idle past the handoff timeout and expires old
// window entries. It is called periodically by Run.
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failure != nil {
		return
	}

	now := e.cfg.Now()
	e.evictLocked(now)

	cutoff := now.Add(-e.cfg.HandoffTimeout)
	for id, corr := range e.correlations {
		if corr.LastUpdated.After(cutoff) {
			continue
		}
		// Member observations keep their index entries until window
		// eviction, which is what keeps them out of future candidate sets.
		corr.State = StateClosed
		delete(e.correlations, id)
		e.stats.ClosedTotal++

		e.emit(events.KindCorrelationClosed, &events.CorrelationPayload{
			CorrelationID:   corr.ID,
			ObservationIDs:  observationIDs(corr),
			Monitors:        append([]string(nil), corr.Monitors...),
			ConfidenceScore: corr.ConfidenceScore,
		})
		log.Printf("[Engine] Closed correlation %s (%d observations, score %.2f)",
			corr.ID, len(corr.Observations), corr.ConfidenceScore)
	}
}

// Run drives the periodic sweep until stop is closed.
func (e *Engine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.OpenCorrelations = len(e.correlations)
	s.WindowSize = e.window.size()
	return s
}

// OpenCorrelations returns snapshots of all open tracks.
func (e *Engine) OpenCorrelations() []*Correlation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Correlation, 0, len(e.correlations))
	for _, c := range e.correlations {
		out = append(out, c.snapshot())
	}
	return out
}

func (e *Engine) recordTiming(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	e.stats.LastProcessingMs = ms
	if e.stats.EMAProcessingMs == 0 {
		e.stats.EMAProcessingMs = ms
	} else {
		e.stats.EMAProcessingMs = emaAlpha*ms + (1-emaAlpha)*e.stats.EMAProcessingMs
	}
	if elapsed > analyzeBudget {
		e.stats.BudgetBreaches++
		log.Printf("[Engine] Analyze took %.1fms, over %.0fms budget",
			ms, float64(analyzeBudget)/float64(time.Millisecond))
	}
}

// failLocked latches the engine into a failed state and surfaces the error
// to the supervisor exactly once.
func (e *Engine) failLocked(err error) {
	if e.failure != nil {
		return
	}
	e.failure = err
	select {
	case e.fatalCh <- err:
	default:
	}
	log.Printf("[Engine] FATAL: %v", err)
}

func (e *Engine) emit(kind events.Kind, payload *events.CorrelationPayload) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(events.NewMessage(kind, payload))
}
