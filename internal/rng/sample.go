package rng

// WeightedIndex picks an index with probability proportional to its weight.
// Weights need not sum to 1. A non-positive total returns 0 without drawing.
func (s *Source) WeightedIndex(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	r := s.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// SampleWithoutReplacement picks up to k distinct items by repeatedly drawing
// a weighted index and removing it from the pool. The result preserves draw
// order. items and weights are not modified.
func SampleWithoutReplacement[T any](s *Source, items []T, weights []float64, k int) []T {
	if k > len(items) {
		k = len(items)
	}
	if k <= 0 {
		return nil
	}
	pool := make([]T, len(items))
	copy(pool, items)
	w := make([]float64, len(weights))
	copy(w, weights)

	out := make([]T, 0, k)
	for j := 0; j < k; j++ {
		idx := s.WeightedIndex(w)
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
		w = append(w[:idx], w[idx+1:]...)
	}
	return out
}
