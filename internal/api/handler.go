package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/indexdb"
	"github.com/nidhogg/delegate-world/internal/runner"
	"go.uber.org/zap"
)

// RunIndex lists runs recorded by previous processes.
type RunIndex interface {
	Recent(ctx context.Context, limit int) ([]indexdb.Entry, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	runs    *runner.Manager
	hub     *Hub
	history RunIndex
	logger  *zap.Logger
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(runs *runner.Manager, hub *Hub, history RunIndex, logger *zap.Logger) *Handler {
	return &Handler{
		runs:    runs,
		hub:     hub,
		history: history,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/history", h.listHistory)

		r.Post("/runs", h.createRun)
		r.Get("/runs", h.listRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", h.getRun)
			r.Delete("/", h.deleteRun)

			// Execution control
			r.Post("/step", h.stepRun)
			r.Post("/run", h.runToEnd)
			r.Post("/start", h.startRun)
			r.Post("/stop", h.stopRun)

			// Views
			r.Get("/timeline", h.getTimeline)
			r.Get("/edges", h.getEdges)
			r.Get("/agents", h.getAgents)
			r.Get("/export", h.exportRun)
			r.Get("/stream", h.streamRun)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "world": "delegate"})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run index not configured"})
		return
	}
	limit, ok := intQuery(w, r, "limit", 50)
	if !ok {
		return
	}
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	var req runner.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	run, err := h.runs.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run.Info())
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.List())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Info())
}

func (h *Handler) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stepRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	n, ok := intQuery(w, r, "n", 1)
	if !ok {
		return
	}
	if n < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be >= 1"})
		return
	}
	frames, err := run.Step(r.Context(), n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run.Info(),
		"frames": frames,
	})
}

func (h *Handler) runToEnd(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if _, err := run.RunToEnd(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Info())
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := run.Start(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Info())
}

func (h *Handler) stopRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	run.Stop()
	writeJSON(w, http.StatusOK, run.Info())
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	from, ok := intQuery(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := intQuery(w, r, "to", -1)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Timeline(from, to))
}

func (h *Handler) getEdges(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	minValue := 0.01
	if v := r.URL.Query().Get("min"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min"})
			return
		}
		minValue = f
	}
	writeJSON(w, http.StatusOK, run.Edges(minValue))
}

func (h *Handler) getAgents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Agents())
}

func (h *Handler) exportRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Export())
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*runner.Run, bool) {
	run, err := h.runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return run, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runner.ErrRunFinished):
		status = http.StatusConflict
	case errors.Is(err, runner.ErrTooManyRuns):
		status = http.StatusTooManyRequests
	case errors.Is(err, config.ErrInvalidConfig):
		status = http.StatusBadRequest
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
