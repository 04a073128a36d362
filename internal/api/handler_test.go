package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/export"
	"github.com/nidhogg/delegate-world/internal/indexdb"
	"github.com/nidhogg/delegate-world/internal/runner"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

type fakeIndex struct {
	entries []indexdb.Entry
	err     error
}

func (f *fakeIndex) Recent(_ context.Context, limit int) ([]indexdb.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

// newTestHandler creates a Handler backed by an in-memory run manager.
func newTestHandler(t *testing.T, history RunIndex) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	defaults := config.DefaultRunConfig()
	defaults.N = 6
	defaults.K = 2
	defaults.Steps = 10

	runs := runner.NewManager(runner.Options{
		Defaults:     defaults,
		TickInterval: time.Millisecond,
		MaxRuns:      4,
	}, logger)
	hub := NewHub(logger)
	runs.AddSink(hub)
	t.Cleanup(runs.Shutdown)

	h := NewHandler(runs, hub, history, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body == nil {
		r = bytes.NewReader(nil)
	} else {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	resp, err := http.Post(ts.URL+path, "application/json", r)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func createRun(t *testing.T, ts *httptest.Server, body interface{}) runner.Info {
	t.Helper()
	resp := postJSON(t, ts, "/api/runs", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: status %d", resp.StatusCode)
	}
	var info runner.Info
	decodeJSON(t, resp, &info)
	return info
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func TestRunLifecycle(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, map[string]interface{}{"seed": 5})
	if info.ID == "" || info.Seed != 5 || info.Status != runner.StatusIdle || info.Steps != 10 {
		t.Fatalf("unexpected info: %+v", info)
	}

	// Step
	resp := postJSON(t, ts, "/api/runs/"+info.ID+"/step?n=3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step: expected 200, got %d", resp.StatusCode)
	}
	var stepped struct {
		Run    runner.Info       `json:"run"`
		Frames []world.StepFrame `json:"frames"`
	}
	decodeJSON(t, resp, &stepped)
	if len(stepped.Frames) != 3 || stepped.Run.T != 3 {
		t.Fatalf("step result: t=%d frames=%d", stepped.Run.T, len(stepped.Frames))
	}

	// Timeline
	var frames []world.StepFrame
	decodeJSON(t, getJSON(t, ts, "/api/runs/"+info.ID+"/timeline?from=1&to=3"), &frames)
	if len(frames) != 2 || frames[0].T != 1 {
		t.Errorf("timeline range: %+v", frames)
	}

	// Agents and edges
	var agents []world.AgentState
	decodeJSON(t, getJSON(t, ts, "/api/runs/"+info.ID+"/agents"), &agents)
	if len(agents) != 6 {
		t.Errorf("expected 6 agents, got %d", len(agents))
	}
	var edges []world.ImportanceEdge
	decodeJSON(t, getJSON(t, ts, "/api/runs/"+info.ID+"/edges?min=0.5"), &edges)
	for _, e := range edges {
		if e.Value < 0.5 {
			t.Errorf("edge below min: %+v", e)
		}
	}

	// Run to end
	resp = postJSON(t, ts, "/api/runs/"+info.ID+"/run", nil)
	var done runner.Info
	decodeJSON(t, resp, &done)
	if done.Status != runner.StatusFinished || done.T != 10 {
		t.Fatalf("run to end: %+v", done)
	}

	// Stepping a finished run conflicts
	resp = postJSON(t, ts, "/api/runs/"+info.ID+"/step", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Export validates against the schema
	resp = getJSON(t, ts, "/api/runs/"+info.ID+"/export")
	defer resp.Body.Close()
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read export: %v", err)
	}
	if err := export.Validate(raw.Bytes()); err != nil {
		t.Errorf("export does not validate: %v", err)
	}

	// Delete
	resp = deleteReq(t, ts, "/api/runs/"+info.ID)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = getJSON(t, ts, "/api/runs/"+info.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateRunErrors(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{"seed":`, http.StatusBadRequest},
		{"invalid config", `{"config":{"N":0}}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestRunLimit(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	for i := 0; i < 4; i++ {
		createRun(t, ts, nil)
	}
	resp := postJSON(t, ts, "/api/runs", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}

	var list []runner.Info
	decodeJSON(t, getJSON(t, ts, "/api/runs"), &list)
	if len(list) != 4 {
		t.Errorf("expected 4 runs, got %d", len(list))
	}
}

func TestBadQueries(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, nil)
	for _, path := range []string{
		"/api/runs/" + info.ID + "/timeline?from=x",
		"/api/runs/" + info.ID + "/edges?min=high",
	} {
		resp := getJSON(t, ts, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
	resp := postJSON(t, ts, "/api/runs/"+info.ID+"/step?n=0", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("n=0: expected 400, got %d", resp.StatusCode)
	}
	resp = getJSON(t, ts, "/api/runs/nope/agents")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", resp.StatusCode)
	}
}

func TestStartAndStop(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, nil)
	resp := postJSON(t, ts, "/api/runs/"+info.ID+"/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	var cur runner.Info
	for time.Now().Before(deadline) {
		decodeJSON(t, getJSON(t, ts, "/api/runs/"+info.ID), &cur)
		if cur.Status == runner.StatusFinished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cur.Status != runner.StatusFinished {
		t.Fatalf("run did not finish: %+v", cur)
	}

	resp = postJSON(t, ts, "/api/runs/"+info.ID+"/stop", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop: expected 200, got %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, router := newTestHandler(t, nil)
		ts := httptest.NewServer(router)
		defer ts.Close()
		resp := getJSON(t, ts, "/api/history")
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", resp.StatusCode)
		}
	})

	t.Run("lists entries", func(t *testing.T) {
		idx := &fakeIndex{entries: []indexdb.Entry{{RunID: "b", Status: "finished"}, {RunID: "a", Status: "running"}}}
		_, router := newTestHandler(t, idx)
		ts := httptest.NewServer(router)
		defer ts.Close()

		var entries []indexdb.Entry
		decodeJSON(t, getJSON(t, ts, "/api/history?limit=1"), &entries)
		if len(entries) != 1 || entries[0].RunID != "b" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("index failure", func(t *testing.T) {
		_, router := newTestHandler(t, &fakeIndex{err: errors.New("disk gone")})
		ts := httptest.NewServer(router)
		defer ts.Close()
		resp := getJSON(t, ts, "/api/history")
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", resp.StatusCode)
		}
	})
}

func TestStreamRun(t *testing.T) {
	h, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, map[string]interface{}{"seed": 8})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + info.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers(info.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.hub.Subscribers(info.ID) != 1 {
		t.Fatal("stream did not subscribe")
	}

	resp := postJSON(t, ts, "/api/runs/"+info.ID+"/run", nil)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []int
	var finished bool
	for !finished {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d frames: %v", len(seen), err)
		}
		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		switch msg.Type {
		case streamFrame:
			seen = append(seen, msg.Frame.T)
		case streamFinished:
			finished = true
			if msg.Summary == nil || msg.Summary.Steps != 10 {
				t.Errorf("finished summary: %+v", msg.Summary)
			}
		}
	}
	if len(seen) != 10 || seen[0] != 0 || seen[9] != 9 {
		t.Errorf("frames in order: %v", seen)
	}
}

func TestStreamFinishedRun(t *testing.T) {
	_, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, nil)
	resp := postJSON(t, ts, "/api/runs/"+info.ID+"/run", nil)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + info.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != streamFinished {
		t.Errorf("expected finished message, got %s", msg.Type)
	}
}

func TestStreamDeletedRun(t *testing.T) {
	h, router := newTestHandler(t, nil)
	ts := httptest.NewServer(router)
	defer ts.Close()

	info := createRun(t, ts, map[string]interface{}{"seed": 5})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + info.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers(info.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.hub.Subscribers(info.ID) != 1 {
		t.Fatal("stream did not subscribe")
	}

	resp := deleteReq(t, ts, "/api/runs/"+info.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != streamDeleted || msg.RunID != info.ID {
		t.Errorf("expected deleted message, got %+v", msg)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if n := h.hub.Subscribers(info.ID); n != 0 {
		t.Errorf("subscribers after delete: %d", n)
	}
}
