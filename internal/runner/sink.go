package runner

import (
	"context"

	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

// Sink consumes run lifecycle events. Errors are logged and never stop a run.
type Sink interface {
	OnStart(ctx context.Context, header export.RunExport) error
	OnFrame(ctx context.Context, runID string, frame world.StepFrame, summary world.Summary) error
	OnFinish(ctx context.Context, doc export.RunExport) error
}

// SnapshotSink additionally receives graph snapshots every few steps.
type SnapshotSink interface {
	OnSnapshot(ctx context.Context, runID string, snap world.GraphSnapshot) error
}

// RemoveSink is told when a run leaves the registry before or after it
// finished.
type RemoveSink interface {
	OnRemove(ctx context.Context, runID string) error
}

// fanout delivers events to every configured sink.
type fanout struct {
	sinks         []Sink
	snapshotEvery int
	logger        *zap.Logger
}

func (f *fanout) start(ctx context.Context, header export.RunExport) {
	for _, s := range f.sinks {
		if err := s.OnStart(ctx, header); err != nil {
			f.logger.Warn("sink start failed", zap.String("run_id", header.RunID), zap.Error(err))
		}
	}
}

func (f *fanout) frame(ctx context.Context, runID string, frame world.StepFrame, summary world.Summary) {
	for _, s := range f.sinks {
		if err := s.OnFrame(ctx, runID, frame, summary); err != nil {
			f.logger.Warn("sink frame failed",
				zap.String("run_id", runID),
				zap.Int("t", frame.T),
				zap.Error(err))
		}
	}
}

// snapshot is called after every step; it forwards on the configured cadence
// and always on the final step.
func (f *fanout) snapshot(ctx context.Context, runID string, sim *world.Simulation) {
	if f.snapshotEvery <= 0 {
		return
	}
	if !sim.Done() && sim.T()%f.snapshotEvery != 0 {
		return
	}
	var snap *world.GraphSnapshot
	for _, s := range f.sinks {
		ss, ok := s.(SnapshotSink)
		if !ok {
			continue
		}
		if snap == nil {
			v := sim.Snapshot()
			snap = &v
		}
		if err := ss.OnSnapshot(ctx, runID, *snap); err != nil {
			f.logger.Warn("sink snapshot failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

func (f *fanout) finish(ctx context.Context, doc export.RunExport) {
	for _, s := range f.sinks {
		if err := s.OnFinish(ctx, doc); err != nil {
			f.logger.Warn("sink finish failed", zap.String("run_id", doc.RunID), zap.Error(err))
		}
	}
}

func (f *fanout) remove(ctx context.Context, runID string) {
	for _, s := range f.sinks {
		rs, ok := s.(RemoveSink)
		if !ok {
			continue
		}
		if err := rs.OnRemove(ctx, runID); err != nil {
			f.logger.Warn("sink remove failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}
