// Package bus publishes run frames to Redis Streams so out-of-process
// consumers can follow a run.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/world"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "delegate:run:"

// Entry types.
const (
	TypeStart  = "start"
	TypeFrame  = "frame"
	TypeFinish = "finish"
)

// Entry is one stream record.
type Entry struct {
	ID      string           `json:"-"`
	Type    string           `json:"type"`
	RunID   string           `json:"run_id"`
	Frame   *world.StepFrame `json:"frame,omitempty"`
	Summary *world.Summary   `json:"summary,omitempty"`
}

// StreamKey returns the Redis stream that carries a run's entries.
func StreamKey(runID string) string {
	return streamPrefix + runID + ":frames"
}

// FrameBus is a runner sink backed by Redis Streams.
type FrameBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// New connects to redisURL. maxLen caps each stream approximately; 0 leaves
// streams unbounded.
func New(ctx context.Context, redisURL string, maxLen int64, logger *zap.Logger) (*FrameBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameBus{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

func (b *FrameBus) publish(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	stream := StreamKey(e.RunID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

func (b *FrameBus) OnStart(ctx context.Context, header export.RunExport) error {
	return b.publish(ctx, Entry{Type: TypeStart, RunID: header.RunID})
}

func (b *FrameBus) OnFrame(ctx context.Context, runID string, frame world.StepFrame, summary world.Summary) error {
	return b.publish(ctx, Entry{Type: TypeFrame, RunID: runID, Frame: &frame, Summary: &summary})
}

func (b *FrameBus) OnFinish(ctx context.Context, doc export.RunExport) error {
	return b.publish(ctx, Entry{Type: TypeFinish, RunID: doc.RunID, Summary: &doc.Summary})
}

// Read returns up to count entries after afterID ("" reads from the start).
func (b *FrameBus) Read(ctx context.Context, runID, afterID string, count int64) ([]Entry, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	msgs, err := b.rdb.XRangeN(ctx, StreamKey(runID), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", StreamKey(runID), err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decode(m)
		if err != nil {
			b.logger.Warn("skipping malformed stream entry", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribe follows a run's stream from now on. The channel closes after the
// finish entry or when ctx is cancelled.
func (b *FrameBus) Subscribe(ctx context.Context, runID string) <-chan Entry {
	ch := make(chan Entry, 16)
	stream := StreamKey(runID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   64,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("stream read failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, m := range r.Messages {
					lastID = m.ID
					e, err := decode(m)
					if err != nil {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
					if e.Type == TypeFinish {
						return
					}
				}
			}
		}
	}()

	return ch
}

// Delete drops a run's stream.
func (b *FrameBus) Delete(ctx context.Context, runID string) error {
	return b.rdb.Del(ctx, StreamKey(runID)).Err()
}

// Close shuts down the Redis connection.
func (b *FrameBus) Close() error {
	return b.rdb.Close()
}

func decode(m redis.XMessage) (Entry, error) {
	data, ok := m.Values["data"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s has no data field", m.ID)
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s: %w", m.ID, err)
	}
	e.ID = m.ID
	return e, nil
}
