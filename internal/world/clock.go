package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickListener receives clock ticks. Returning false detaches the listener.
type TickListener interface {
	OnTick(ctx context.Context, tick uint64) bool
}

// Clock drives step execution at a fixed wall-clock interval.
type Clock struct {
	interval  time.Duration
	listeners []TickListener
	tick      uint64
	running   bool
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewClock creates a stopped clock with the given tick interval.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{
		interval: interval,
		logger:   logger,
	}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l TickListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Interval returns the tick interval.
func (c *Clock) Interval() time.Duration { return c.interval }

// Running reports whether the tick loop is active.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start begins the tick loop in a background goroutine. It is a no-op when
// already running.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.loop(ctx, c.done)
	c.logger.Info("clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("clock stopped")
}

func (c *Clock) loop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select does not prefer Done when both channels are ready.
			if ctx.Err() != nil {
				return
			}
			if !c.fire(ctx) {
				return
			}
		}
	}
}

// fire notifies listeners and reports whether any remain attached.
func (c *Clock) fire(ctx context.Context) bool {
	c.mu.Lock()
	c.tick++
	tick := c.tick
	listeners := make([]TickListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	var keep []TickListener
	for _, l := range listeners {
		if l.OnTick(ctx, tick) {
			keep = append(keep, l)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keep) != len(listeners) {
		// Listeners added during this tick stay attached.
		c.listeners = append(keep, c.listeners[len(listeners):]...)
	}
	return len(c.listeners) > 0
}
