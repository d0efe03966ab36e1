package correlation

import (
	"fmt"
	"sort"
	"sync"
)

// RelationshipKind describes the declared spatial connection between two
// monitors. Pairs with no registered relationship are implicitly unrelated.
type RelationshipKind string

const (
	KindAdjacent    RelationshipKind = "adjacent"
	KindSequential  RelationshipKind = "sequential"
	KindOverlapping RelationshipKind = "overlapping"
)

// Relationship links two monitors. Registration is symmetric: storing (a,b)
// also stores (b,a).
type Relationship struct {
	MonitorA   string           `json:"monitor_a"`
	MonitorB   string           `json:"monitor_b"`
	Kind       RelationshipKind `json:"kind"`
	Multiplier float64          `json:"confidence_multiplier"`
}

// Validate checks kind and multiplier bounds.
func (r Relationship) Validate() error {
	switch r.Kind {
	case KindAdjacent, KindSequential, KindOverlapping:
	default:
		return fmt.Errorf("unknown relationship kind %q", r.Kind)
	}
	if r.MonitorA == "" || r.MonitorB == "" {
		return fmt.Errorf("relationship requires two monitor ids")
	}
	if r.MonitorA == r.MonitorB {
		return fmt.Errorf("relationship cannot pair monitor %q with itself", r.MonitorA)
	}
	if r.Multiplier < 0.5 || r.Multiplier > 2.0 {
		return fmt.Errorf("confidence_multiplier %.2f outside [0.5, 2.0]", r.Multiplier)
	}
	return nil
}

type pairKey struct{ a, b string }

// RelationshipTable is the symmetric monitor relationship registry.
type RelationshipTable struct {
	mu    sync.RWMutex
	pairs map[pairKey]Relationship
}

// NewRelationshipTable creates an empty table.
func NewRelationshipTable() *RelationshipTable {
	return &RelationshipTable{pairs: make(map[pairKey]Relationship)}
}

// Register stores the relationship in both directions. Registering the same
// pair again overwrites it, so repeated identical registrations are no-ops.
func (t *RelationshipTable) Register(r Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairs[pairKey{r.MonitorA, r.MonitorB}] = r
	t.pairs[pairKey{r.MonitorB, r.MonitorA}] = Relationship{
		MonitorA:   r.MonitorB,
		MonitorB:   r.MonitorA,
		Kind:       r.Kind,
		Multiplier: r.Multiplier,
	}
	return nil
}

// Lookup returns the relationship from a to b, if registered.
func (t *RelationshipTable) Lookup(a, b string) (Relationship, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.pairs[pairKey{a, b}]
	return r, ok
}

// Partners returns the relationships whose first monitor is the given one.
func (t *RelationshipTable) Partners(monitor string) []Relationship {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Relationship
	for k, r := range t.pairs {
		if k.a == monitor {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonitorB < out[j].MonitorB })
	return out
}

// List returns each registered pair once, ordered for stable output.
func (t *RelationshipTable) List() []Relationship {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Relationship
	for k, r := range t.pairs {
		if k.a < k.b {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MonitorA != out[j].MonitorA {
			return out[i].MonitorA < out[j].MonitorA
		}
		return out[i].MonitorB < out[j].MonitorB
	})
	return out
}
