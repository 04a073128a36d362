package world

// aggregate recomputes graph statistics from scratch by scanning every stored
// importance entry. The cost is O(agents²) per step.
func (s *Simulation) aggregate() {
	if s.summary.ProcessedTotal() > 0 {
		s.summary.AIProcessedRatio = s.summary.DerivedAIRatio()
	}

	stats := computeGraphStats(s.relations, s.cfg.WeakTieThreshold)
	s.summary.WeakTiesCount = stats.WeakTies
	s.summary.WeakTiesPruned = stats.PrunedTies
	s.summary.BondMean = stats.BondMean
}

// GraphStats are the rescanned graph-level statistics of a summary.
type GraphStats struct {
	WeakTies   int
	PrunedTies int
	BondMean   float64
}

func computeGraphStats(rel *RelationStore, weakTie float64) GraphStats {
	var (
		stats   GraphStats
		bondSum float64
		bondN   int
	)
	rel.EachImportance(func(from, to string, v float64) {
		if v > 0.01 && v < weakTie {
			stats.WeakTies++
		}
		if rel.IsPruned(from, to) {
			stats.PrunedTies++
		}
		if b := rel.Bond(from, to); b > 0.01 {
			bondSum += b
			bondN++
		}
	})
	if bondN > 0 {
		stats.BondMean = bondSum / float64(bondN)
	}
	return stats
}
