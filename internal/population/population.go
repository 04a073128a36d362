// Package population builds the initial roster and importance graph for a run.
package population

import (
	"fmt"
	"math"

	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/rng"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

// minSeedImportance drops weak initial edges to keep the graph sparse.
const minSeedImportance = 0.15

// GenerateAgents samples N agents from a stream seeded with seed. Ids are
// h00, h01, ... and types cycle through the K classes.
func GenerateAgents(cfg config.RunConfig, seed uint32) []world.Agent {
	src := rng.New(seed)
	agents := make([]world.Agent, 0, cfg.N)
	for i := 0; i < cfg.N; i++ {
		a := world.Agent{
			ID:   fmt.Sprintf("h%02d", i),
			Type: i % cfg.K,
			Traits: world.Traits{
				Sociability: src.Float64(),
				Avoidance:   src.Float64(),
				Curiosity:   src.Float64(),
			},
		}
		if cfg.AIDelegateThresholdMode == config.ThresholdModeFixed {
			a.AIDelegateThreshold = cfg.AIDelegateThresholdDefault
		} else {
			jitter := (src.Float64() - 0.5) * 2
			a.AIDelegateThreshold = int(math.Round(rng.Clamp(float64(cfg.AIDelegateThresholdDefault)+jitter, 0, 5)))
		}
		a.AIStrength = 0.3 + src.Float64()*0.7
		agents = append(agents, a)
	}
	return agents
}

// GenerateImportanceEdges seeds I from class proximity and trait affinity,
// using a stream seeded with seed+1. Only edges >= 0.15 are kept.
func GenerateImportanceEdges(agents []world.Agent, cfg config.RunConfig, seed uint32) []world.ImportanceEdge {
	src := rng.New(seed + 1)
	k := float64(cfg.K)
	var edges []world.ImportanceEdge
	for _, a := range agents {
		for _, b := range agents {
			if a.ID == b.ID {
				continue
			}
			typeAffinity := 1 - math.Abs(float64(a.Type-b.Type))/k
			traitAffinity := (1-math.Abs(a.Traits.Sociability-b.Traits.Sociability))*0.5 +
				(1-math.Abs(a.Traits.Curiosity-b.Traits.Curiosity))*0.5
			base := (typeAffinity*0.4 + traitAffinity*0.6) * (0.7 + src.Float64()*0.3)
			value := rng.Clamp(base, 0, 1)
			if value >= minSeedImportance {
				edges = append(edges, world.ImportanceEdge{From: a.ID, To: b.ID, Value: value})
			}
		}
	}
	return edges
}

// Build generates the roster and initial edges and returns a ready simulation.
func Build(cfg config.RunConfig, seed uint32, logger *zap.Logger) (*world.Simulation, []world.Agent, []world.ImportanceEdge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("build population: %w", err)
	}
	agents := GenerateAgents(cfg, seed)
	edges := GenerateImportanceEdges(agents, cfg, seed)
	sim, err := world.NewSimulation(cfg, agents, edges, seed, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return sim, agents, edges, nil
}
