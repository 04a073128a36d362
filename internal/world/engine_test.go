package world

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/nidhogg/delegate-world/internal/config"
	"go.uber.org/zap"
)

func testRoster(n, threshold int) []Agent {
	agents := make([]Agent, n)
	for i := range agents {
		agents[i] = Agent{
			ID:                  fmt.Sprintf("h%02d", i),
			Type:                i % 2,
			Traits:              Traits{Sociability: 0.5, Avoidance: 0.5, Curiosity: 0.5},
			AIDelegateThreshold: threshold,
			AIStrength:          0.5,
		}
	}
	return agents
}

func pruneConfig() config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.N = 3
	cfg.K = 2
	cfg.Steps = 50
	cfg.WeakTieThreshold = 0.2
	cfg.PruneIgnoreCountThreshold = 2
	cfg.PruneWindowSteps = 5
	return cfg
}

func TestNewSimulationErrors(t *testing.T) {
	cfg := pruneConfig()

	tests := []struct {
		name   string
		cfg    func() config.RunConfig
		agents []Agent
	}{
		{"roster size mismatch", func() config.RunConfig { return cfg }, testRoster(2, 2)},
		{"duplicate id", func() config.RunConfig { return cfg }, []Agent{{ID: "a"}, {ID: "a"}, {ID: "b"}}},
		{"invalid config", func() config.RunConfig {
			c := cfg
			c.BondDecay = 1.5
			return c
		}, testRoster(3, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimulation(tt.cfg(), tt.agents, nil, 1, zap.NewNop())
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewSimulationSeedsBond(t *testing.T) {
	edges := []ImportanceEdge{{From: "h00", To: "h01", Value: 0.6}}
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), edges, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sim.Relations().Bond("h00", "h01"); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("bond: got %v, want 0.5", got)
	}
	if got := sim.Relations().Bond("h01", "h00"); got != 0 {
		t.Errorf("reverse bond should be absent, got %v", got)
	}
}

func TestPruneAfterRepeatedIgnores(t *testing.T) {
	edges := []ImportanceEdge{
		{From: "h00", To: "h01", Value: 0.15},
		{From: "h00", To: "h02", Value: 0.9},
	}
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), edges, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fb := newFrameBuilder(0)
	sim.applyIgnore(fb, "h00", "h01")
	if sim.relations.IsPruned("h00", "h01") {
		t.Fatal("a single ignore must not prune")
	}

	sim.t = 3
	sim.applyIgnore(fb, "h00", "h01")
	if !sim.relations.IsPruned("h00", "h01") {
		t.Fatal("two ignores within the window below the weak tie threshold should prune")
	}
	if got := sim.summary.IgnoresByHuman; got != 2 {
		t.Errorf("ignores: got %d, want 2", got)
	}
	if len(fb.deltas) != 2 || fb.deltas[0].Reason != ReasonHumanIgnore {
		t.Errorf("unexpected deltas: %+v", fb.deltas)
	}

	// h01 is never selected by h00 again; h02 is its only candidate.
	for i := 0; i < 20; i++ {
		if got := sim.candidates("h00"); len(got) != 1 || got[0] != "h02" {
			t.Fatalf("candidates: got %v, want [h02]", got)
		}
	}
	sim.t = 4
	for !sim.Done() {
		frame := sim.Step()
		fallback := sim.relations.IsPruned("h00", "h02")
		for _, ev := range frame.Events {
			if !fallback && ev.Kind == EventMessage && ev.Message.SenderDisplay == "h00" && ev.Message.Targets[0] == "h01" {
				t.Fatalf("pruned target selected at t=%d", frame.T)
			}
		}
		if !sim.relations.IsPruned("h00", "h01") {
			t.Fatal("prune set shrank")
		}
	}
}

func TestIgnoresOutsideWindowDoNotPrune(t *testing.T) {
	edges := []ImportanceEdge{{From: "h00", To: "h01", Value: 0.15}}
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), edges, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fb := newFrameBuilder(0)
	sim.applyIgnore(fb, "h00", "h01")
	sim.t = 6
	sim.applyIgnore(fb, "h00", "h01")
	if sim.relations.IsPruned("h00", "h01") {
		t.Fatal("ignore at t=0 is outside a 5 step window at t=6")
	}
	if got := sim.relations.IgnoreHistory("h00", "h01"); len(got) != 1 || got[0] != 6 {
		t.Errorf("history: got %v, want [6]", got)
	}
}

func TestIgnoresAboveWeakTieDoNotPrune(t *testing.T) {
	edges := []ImportanceEdge{{From: "h00", To: "h01", Value: 0.9}}
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), edges, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fb := newFrameBuilder(0)
	for i := 0; i < 4; i++ {
		sim.applyIgnore(fb, "h00", "h01")
	}
	if sim.relations.IsPruned("h00", "h01") {
		t.Fatal("strong tie must not be pruned")
	}
	if got := sim.relations.Bond("h00", "h01"); math.Abs(got-(0.65-4*ignoreBondPenalty)) > 1e-12 {
		t.Errorf("bond: got %v", got)
	}
}

func TestCandidatesFallBackWhenAllPruned(t *testing.T) {
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), nil, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sim.relations.Prune("h00", "h01")
	sim.relations.Prune("h00", "h02")
	got := sim.candidates("h00")
	if len(got) != 2 || got[0] != "h01" || got[1] != "h02" {
		t.Fatalf("candidates: got %v, want [h01 h02]", got)
	}
}

func TestAggregateKeepsRatioWithoutProcessing(t *testing.T) {
	sim, err := NewSimulation(pruneConfig(), testRoster(3, 2), nil, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sim.summary.AIProcessedRatio = 0.25
	sim.aggregate()
	if sim.summary.AIProcessedRatio != 0.25 {
		t.Errorf("ratio changed with zero denominator: %v", sim.summary.AIProcessedRatio)
	}

	sim.summary.RepliesByAI = 1
	sim.summary.RepliesByHuman = 2
	sim.summary.IgnoresByHuman = 1
	sim.aggregate()
	if sim.summary.AIProcessedRatio != 0.25 {
		t.Errorf("ratio: got %v, want 0.25", sim.summary.AIProcessedRatio)
	}
}

func TestComputeGraphStats(t *testing.T) {
	rel := NewRelationStore([]string{"a", "b", "c"})
	rel.SetImportance("a", "b", 0.1)
	rel.SetImportance("a", "c", 0.005)
	rel.SetImportance("b", "a", 0.5)
	rel.SetBond("a", "b", 0.4)
	rel.SetBond("b", "a", 0.2)
	rel.SetBond("c", "a", 0.6)
	rel.Prune("a", "b")

	stats := computeGraphStats(rel, 0.2)
	if stats.WeakTies != 1 {
		t.Errorf("weak ties: got %d, want 1", stats.WeakTies)
	}
	if stats.PrunedTies != 1 {
		t.Errorf("pruned ties: got %d, want 1", stats.PrunedTies)
	}
	// Only bonds on stored importance entries are averaged.
	if math.Abs(stats.BondMean-0.3) > 1e-12 {
		t.Errorf("bond mean: got %v, want 0.3", stats.BondMean)
	}
}

func TestRoundLevel(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{-3, 0},
		{0.49, 0},
		{0.5, 1},
		{2.5, 3},
		{4.6, 5},
		{9, 5},
	}
	for _, tt := range tests {
		if got := roundLevel(tt.in); got != tt.want {
			t.Errorf("roundLevel(%v): got %d, want %d", tt.in, got, tt.want)
		}
	}
}
