package world

import "github.com/nidhogg/delegate-world/internal/rng"

// weightRow is one sender's outgoing weights, kept in insertion order.
type weightRow struct {
	index map[string]int
	keys  []string
	vals  []float64
}

func newWeightRow() *weightRow {
	return &weightRow{index: make(map[string]int)}
}

// weightGraph is a sparse directed graph with values clamped to [0,1].
// Iteration follows row creation order, then entry insertion order.
type weightGraph struct {
	rows  map[string]*weightRow
	order []string
}

func newWeightGraph() *weightGraph {
	return &weightGraph{rows: make(map[string]*weightRow)}
}

func (g *weightGraph) row(from string) *weightRow {
	r, ok := g.rows[from]
	if !ok {
		r = newWeightRow()
		g.rows[from] = r
		g.order = append(g.order, from)
	}
	return r
}

func (g *weightGraph) get(from, to string) float64 {
	r, ok := g.rows[from]
	if !ok {
		return 0
	}
	if i, ok := r.index[to]; ok {
		return r.vals[i]
	}
	return 0
}

func (g *weightGraph) has(from, to string) bool {
	r, ok := g.rows[from]
	if !ok {
		return false
	}
	_, ok = r.index[to]
	return ok
}

func (g *weightGraph) set(from, to string, v float64) {
	v = rng.Clamp(v, 0, 1)
	r := g.row(from)
	if i, ok := r.index[to]; ok {
		r.vals[i] = v
		return
	}
	r.index[to] = len(r.keys)
	r.keys = append(r.keys, to)
	r.vals = append(r.vals, v)
}

func (g *weightGraph) each(fn func(from, to string, v float64)) {
	for _, from := range g.order {
		r := g.rows[from]
		for i, to := range r.keys {
			fn(from, to, r.vals[i])
		}
	}
}

func (g *weightGraph) scale(factor float64) {
	for _, from := range g.order {
		r := g.rows[from]
		for i := range r.vals {
			r.vals[i] = rng.Clamp(r.vals[i]*factor, 0, 1)
		}
	}
}

type pairKey struct{ from, to string }

// RelationStore owns the importance graph, the bond graph, per-agent behavior
// state, prune sets and ignore histories. It has no knowledge of message
// semantics.
type RelationStore struct {
	importance *weightGraph
	bond       *weightGraph
	behavior   map[string]*BehaviorState
	pruned     map[string]map[string]struct{}
	pruneOrder map[string][]string
	ignores    map[pairKey][]int
}

// NewRelationStore creates empty rows and default behavior for each id, in
// the given order.
func NewRelationStore(ids []string) *RelationStore {
	s := &RelationStore{
		importance: newWeightGraph(),
		bond:       newWeightGraph(),
		behavior:   make(map[string]*BehaviorState, len(ids)),
		pruned:     make(map[string]map[string]struct{}, len(ids)),
		pruneOrder: make(map[string][]string, len(ids)),
		ignores:    make(map[pairKey][]int),
	}
	for _, id := range ids {
		s.importance.row(id)
		s.bond.row(id)
		b := defaultBehavior()
		s.behavior[id] = &b
		s.pruned[id] = make(map[string]struct{})
	}
	return s
}

// Importance returns I[from→to], 0 when absent.
func (s *RelationStore) Importance(from, to string) float64 {
	return s.importance.get(from, to)
}

// SetImportance writes I[from→to] clamped to [0,1].
func (s *RelationStore) SetImportance(from, to string, v float64) {
	s.importance.set(from, to, v)
}

// AddImportance shifts I[from→to] by delta and returns the clamped result.
func (s *RelationStore) AddImportance(from, to string, delta float64) float64 {
	s.importance.set(from, to, s.importance.get(from, to)+delta)
	return s.importance.get(from, to)
}

// Bond returns B[from→to], 0 when absent.
func (s *RelationStore) Bond(from, to string) float64 {
	return s.bond.get(from, to)
}

// SetBond writes B[from→to] clamped to [0,1].
func (s *RelationStore) SetBond(from, to string, v float64) {
	s.bond.set(from, to, v)
}

// AddBond shifts B[from→to] by delta.
func (s *RelationStore) AddBond(from, to string, delta float64) {
	s.bond.set(from, to, s.bond.get(from, to)+delta)
}

// DecayBonds multiplies every stored bond by factor.
func (s *RelationStore) DecayBonds(factor float64) {
	s.bond.scale(factor)
}

// Behavior returns the mutable behavior state of id, or nil if unknown.
func (s *RelationStore) Behavior(id string) *BehaviorState {
	return s.behavior[id]
}

// IsPruned reports whether from excludes to from targeting.
func (s *RelationStore) IsPruned(from, to string) bool {
	_, ok := s.pruned[from][to]
	return ok
}

// Prune adds to into from's prune set. It reports whether the set grew.
func (s *RelationStore) Prune(from, to string) bool {
	set, ok := s.pruned[from]
	if !ok {
		set = make(map[string]struct{})
		s.pruned[from] = set
	}
	if _, ok := set[to]; ok {
		return false
	}
	set[to] = struct{}{}
	s.pruneOrder[from] = append(s.pruneOrder[from], to)
	return true
}

// PruneSet returns from's pruned targets in the order they were added.
func (s *RelationStore) PruneSet(from string) []string {
	out := make([]string, len(s.pruneOrder[from]))
	copy(out, s.pruneOrder[from])
	return out
}

// RecordIgnore appends step t to the pair's ignore history, evicts entries
// older than t-window and returns the retained count.
func (s *RelationStore) RecordIgnore(from, to string, t, window int) int {
	k := pairKey{from, to}
	list := append(s.ignores[k], t)
	cutoff := t - window
	drop := 0
	for drop < len(list) && list[drop] < cutoff {
		drop++
	}
	list = list[drop:]
	s.ignores[k] = list
	return len(list)
}

// IgnoreHistory returns the retained ignore steps for a pair.
func (s *RelationStore) IgnoreHistory(from, to string) []int {
	list := s.ignores[pairKey{from, to}]
	out := make([]int, len(list))
	copy(out, list)
	return out
}

// EachImportance visits every stored importance entry in insertion order.
func (s *RelationStore) EachImportance(fn func(from, to string, v float64)) {
	s.importance.each(fn)
}

// EachBond visits every stored bond entry in insertion order.
func (s *RelationStore) EachBond(fn func(from, to string, v float64)) {
	s.bond.each(fn)
}

// ImportanceEdges lists stored importance entries strictly above minValue.
func (s *RelationStore) ImportanceEdges(minValue float64) []ImportanceEdge {
	var out []ImportanceEdge
	s.importance.each(func(from, to string, v float64) {
		if v > minValue {
			out = append(out, ImportanceEdge{From: from, To: to, Value: v})
		}
	})
	return out
}

// BondEdges lists stored bond entries strictly above minValue.
func (s *RelationStore) BondEdges(minValue float64) []ImportanceEdge {
	var out []ImportanceEdge
	s.bond.each(func(from, to string, v float64) {
		if v > minValue {
			out = append(out, ImportanceEdge{From: from, To: to, Value: v})
		}
	})
	return out
}
