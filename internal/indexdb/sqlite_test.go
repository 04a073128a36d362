package indexdb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/population"
	"go.uber.org/zap"
)

func TestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(filepath.Join(t.TempDir(), "sub", "index.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	cfg := config.DefaultRunConfig()
	cfg.N = 5
	cfg.K = 2
	cfg.Steps = 6
	sim, _, edges, err := population.Build(cfg, 31, zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	header := export.Build("r1", 31, sim, edges).Header()
	if err := idx.OnStart(ctx, header); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	// A repeated start is ignored.
	if err := idx.OnStart(ctx, header); err != nil {
		t.Fatalf("second OnStart: %v", err)
	}

	for i := 0; i < 3; i++ {
		f := sim.Step()
		if err := idx.OnFrame(ctx, "r1", f, sim.Summary()); err != nil {
			t.Fatalf("OnFrame: %v", err)
		}
	}
	e, err := idx.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != "running" || e.T != 3 || e.Seed != 31 || e.Agents != 5 || e.Steps != 6 {
		t.Fatalf("entry mismatch: %+v", e)
	}
	if e.MessagesTotal != sim.Summary().MessagesTotal {
		t.Errorf("messages: got %d, want %d", e.MessagesTotal, sim.Summary().MessagesTotal)
	}

	for !sim.Done() {
		sim.Step()
	}
	if err := idx.OnFinish(ctx, export.Build("r1", 31, sim, edges)); err != nil {
		t.Fatalf("OnFinish: %v", err)
	}
	e, err = idx.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != "finished" || e.T != 6 || e.FinishedAt == nil {
		t.Fatalf("finished entry mismatch: %+v", e)
	}

	raw, err := idx.Config(ctx, "r1")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	var back config.RunConfig
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if back != cfg {
		t.Errorf("config mismatch: %+v", back)
	}
}

func TestIndexRecentAndMissing(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	cfg := config.DefaultRunConfig()
	cfg.N = 3
	for _, id := range []string{"a", "b", "c"} {
		sim, _, edges, err := population.Build(cfg, 1, nil)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := idx.OnStart(ctx, export.Build(id, 1, sim, edges).Header()); err != nil {
			t.Fatalf("OnStart %s: %v", id, err)
		}
	}

	entries, err := idx.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[0].RunID != "c" || entries[1].RunID != "b" {
		t.Fatalf("recent: %+v", entries)
	}

	if _, err := idx.Get(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := Open("", nil); err == nil {
		t.Error("expected error for empty path")
	}
}
