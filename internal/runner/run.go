package runner

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Info is the externally visible description of a run.
type Info struct {
	ID        string        `json:"id"`
	Seed      uint32        `json:"seed"`
	Status    Status        `json:"status"`
	T         int           `json:"t"`
	Steps     int           `json:"steps"`
	CreatedAt time.Time     `json:"created_at"`
	Summary   world.Summary `json:"summary"`
}

// Run owns one simulation. All access to the simulation goes through the
// run's mutex.
type Run struct {
	id           string
	seed         uint32
	createdAt    time.Time
	initialEdges []world.ImportanceEdge

	mu       sync.Mutex
	sim      *world.Simulation
	clock    *world.Clock
	finished bool

	interval time.Duration
	out      *fanout
	logger   *zap.Logger
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Seed returns the run seed.
func (r *Run) Seed() uint32 { return r.seed }

// Info returns a snapshot of the run's status and summary.
func (r *Run) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:        r.id,
		Seed:      r.seed,
		Status:    r.statusLocked(),
		T:         r.sim.T(),
		Steps:     r.sim.Config().Steps,
		CreatedAt: r.createdAt,
		Summary:   r.sim.Summary(),
	}
}

func (r *Run) statusLocked() Status {
	switch {
	case r.sim.Done():
		return StatusFinished
	case r.clock != nil && r.clock.Running():
		return StatusRunning
	default:
		return StatusIdle
	}
}

// Step advances up to n steps, stopping early at the configured step count.
func (r *Run) Step(ctx context.Context, n int) ([]world.StepFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sim.Done() {
		return nil, ErrRunFinished
	}
	frames := make([]world.StepFrame, 0, max(n, 0))
	for i := 0; i < n && !r.sim.Done(); i++ {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		frames = append(frames, r.stepLocked(ctx))
	}
	return frames, nil
}

// stepLocked advances one step. Sink writes detach from ctx cancellation so
// a step that has executed is always delivered.
func (r *Run) stepLocked(ctx context.Context) world.StepFrame {
	ctx = context.WithoutCancel(ctx)
	frame := r.sim.Step()
	r.out.frame(ctx, r.id, frame, r.sim.Summary())
	r.out.snapshot(ctx, r.id, r.sim)
	if r.sim.Done() && !r.finished {
		r.finished = true
		r.out.finish(ctx, r.exportLocked())
		r.logger.Info("run finished",
			zap.String("run_id", r.id),
			zap.Int("messages", r.sim.Summary().MessagesTotal))
	}
	return frame
}

// RunToEnd executes every remaining step.
func (r *Run) RunToEnd(ctx context.Context) (world.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sim.Done() {
		return r.sim.Summary(), ErrRunFinished
	}
	for !r.sim.Done() {
		if err := ctx.Err(); err != nil {
			return r.sim.Summary(), err
		}
		r.stepLocked(ctx)
	}
	return r.sim.Summary(), nil
}

// Start advances the run on a background clock, one step per tick.
func (r *Run) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sim.Done() {
		return ErrRunFinished
	}
	if r.clock == nil {
		r.clock = world.NewClock(r.interval, r.logger)
		r.clock.AddListener(r)
	}
	r.clock.Start()
	return nil
}

// Stop pauses a running clock. It waits for an in-flight step.
func (r *Run) Stop() {
	r.mu.Lock()
	c := r.clock
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// OnTick implements world.TickListener.
func (r *Run) OnTick(ctx context.Context, _ uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sim.Done() {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	r.stepLocked(ctx)
	return !r.sim.Done()
}

// Timeline returns frames with from <= t < to.
func (r *Run) Timeline(from, to int) []world.StepFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sim.Timeline().Range(from, to)
}

// Edges returns current importance edges strictly above minValue.
func (r *Run) Edges(minValue float64) []world.ImportanceEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sim.Relations().ImportanceEdges(minValue)
}

// Agents returns the roster with behavior and prune sets.
func (r *Run) Agents() []world.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sim.AgentStates()
}

// Export builds the run document as of the current step.
func (r *Run) Export() export.RunExport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exportLocked()
}

func (r *Run) exportLocked() export.RunExport {
	return export.Build(r.id, r.seed, r.sim, r.initialEdges)
}
