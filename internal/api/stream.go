package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/runner"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

const (
	streamFrame    = "frame"
	streamFinished = "finished"
	streamDeleted  = "deleted"
	streamBuffer   = 256
)

// StreamMessage is one websocket payload.
type StreamMessage struct {
	Type    string           `json:"type"`
	RunID   string           `json:"run_id"`
	Frame   *world.StepFrame `json:"frame,omitempty"`
	Summary *world.Summary   `json:"summary,omitempty"`
}

// Hub fans run frames out to websocket subscribers. It is a runner sink.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]chan []byte
	nextID atomic.Uint64
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[uint64]chan []byte),
		logger: logger,
	}
}

func (h *Hub) subscribe(runID string) (uint64, <-chan []byte) {
	id := h.nextID.Add(1)
	ch := make(chan []byte, streamBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[uint64]chan []byte)
	}
	h.subs[runID][id] = ch
	return id, ch
}

func (h *Hub) unsubscribe(runID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[runID], id)
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
}

// Subscribers returns the number of live subscribers of a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) publish(runID string, msg StreamMessage, closeAfter bool) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[runID] {
		select {
		case ch <- b:
		default:
			h.logger.Debug("stream subscriber lagging, frame dropped",
				zap.String("run_id", runID), zap.Uint64("subscriber", id))
		}
		if closeAfter {
			close(ch)
		}
	}
	if closeAfter {
		delete(h.subs, runID)
	}
	return nil
}

func (h *Hub) OnStart(context.Context, export.RunExport) error { return nil }

func (h *Hub) OnFrame(_ context.Context, runID string, frame world.StepFrame, summary world.Summary) error {
	return h.publish(runID, StreamMessage{Type: streamFrame, RunID: runID, Frame: &frame, Summary: &summary}, false)
}

func (h *Hub) OnFinish(_ context.Context, doc export.RunExport) error {
	return h.publish(doc.RunID, StreamMessage{Type: streamFinished, RunID: doc.RunID, Summary: &doc.Summary}, true)
}

// OnRemove ends the streams of a deleted run.
func (h *Hub) OnRemove(_ context.Context, runID string) error {
	return h.publish(runID, StreamMessage{Type: streamDeleted, RunID: runID}, true)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Handler) streamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming not configured"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, frames := h.hub.subscribe(run.ID())
	defer h.hub.unsubscribe(run.ID(), id)

	// A delete that raced the subscription has already notified the hub.
	if _, err := h.runs.Get(run.ID()); err != nil {
		b, _ := json.Marshal(StreamMessage{Type: streamDeleted, RunID: run.ID()})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deleted"), time.Now().Add(time.Second))
		return
	}

	// A run that finished before the subscription never publishes again.
	if info := run.Info(); info.Status == runner.StatusFinished {
		b, _ := json.Marshal(StreamMessage{Type: streamFinished, RunID: run.ID(), Summary: &info.Summary})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"), time.Now().Add(time.Second))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only used to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Debug("stream write failed", zap.String("run_id", run.ID()), zap.Error(err))
				return
			}
		}
	}
}
