// Package runner manages concurrent simulation runs and fans their frames
// out to persistence and streaming sinks.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/population"
	"go.uber.org/zap"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run finished")
	ErrTooManyRuns = errors.New("too many runs")
)

// CreateRequest describes a new run. Config is a partial RunConfig overlaid
// on the manager defaults; a nil Seed picks one from the clock.
type CreateRequest struct {
	Seed   *uint32         `json:"seed,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Options tune a Manager.
type Options struct {
	Defaults      config.RunConfig
	TickInterval  time.Duration
	MaxRuns       int
	SnapshotEvery int
}

// Manager is the registry of live runs.
type Manager struct {
	opts   Options
	runs   map[string]*Run
	order  []string
	sinks  []Sink
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		runs:   make(map[string]*Run),
		logger: logger,
	}
}

// AddSink registers a sink for runs created afterwards.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Create builds a new run and announces it to the sinks.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	cfg := m.opts.Defaults
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return nil, fmt.Errorf("create run: %w: %v", config.ErrInvalidConfig, err)
		}
	}
	seed := uint32(time.Now().UnixNano())
	if req.Seed != nil {
		seed = *req.Seed
	}

	m.mu.Lock()
	if m.opts.MaxRuns > 0 && len(m.runs) >= m.opts.MaxRuns {
		m.mu.Unlock()
		return nil, ErrTooManyRuns
	}
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	sim, _, edges, err := population.Build(cfg, seed, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	r := &Run{
		id:           uuid.New().String(),
		seed:         seed,
		createdAt:    time.Now(),
		initialEdges: edges,
		sim:          sim,
		interval:     m.opts.TickInterval,
		out:          &fanout{sinks: sinks, snapshotEvery: m.opts.SnapshotEvery, logger: m.logger},
		logger:       m.logger,
	}

	m.mu.Lock()
	m.runs[r.id] = r
	m.order = append(m.order, r.id)
	m.mu.Unlock()

	r.out.start(ctx, r.Export().Header())
	if sim.Done() {
		r.mu.Lock()
		r.finished = true
		r.out.finish(ctx, r.exportLocked())
		r.mu.Unlock()
	}
	m.logger.Info("run created",
		zap.String("run_id", r.id),
		zap.Uint32("seed", seed),
		zap.Int("agents", cfg.N),
		zap.Int("steps", cfg.Steps))
	return r, nil
}

// Get returns a run by id.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	return r, nil
}

// List returns every run in creation order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.order))
	for _, id := range m.order {
		runs = append(runs, m.runs[id])
	}
	m.mu.RUnlock()

	out := make([]Info, len(runs))
	for i, r := range runs {
		out[i] = r.Info()
	}
	return out
}

// Delete stops and forgets a run. Sinks implementing RemoveSink are told.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	if ok {
		delete(m.runs, id)
		for i, rid := range m.order {
			if rid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete run %s: %w", id, ErrRunNotFound)
	}
	r.Stop()
	r.out.remove(context.Background(), id)
	m.logger.Info("run deleted", zap.String("run_id", id))
	return nil
}

// Shutdown stops every running clock.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()
	for _, r := range runs {
		r.Stop()
	}
}
