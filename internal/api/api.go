// Package api exposes simulations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/trafficjam/simengine/internal/job"
	"github.com/trafficjam/simengine/internal/model"
	"github.com/trafficjam/simengine/internal/service"
)

const (
	maxUploadMemory = 32 << 20
	networkFileName = "network.xml"
)

// Simulations is what the API needs from service.Orchestrator.
type Simulations interface {
	Start(ctx context.Context, req service.StartRequest) (service.StartResult, error)
	Status(id string) (job.Snapshot, bool)
	Stop(id string) error
	Stream(ctx context.Context, id string, w http.ResponseWriter) error
	List() []job.Snapshot
	Health() service.Health
}

type handler struct {
	sims    Simulations
	workDir string
}

// NewHandler routes the simulation API. Uploaded networks are staged below
// workDir.
func NewHandler(sims Simulations, workDir string) http.Handler {
	h := handler{sims: sims, workDir: workDir}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", h.health)
	r.Route("/api/simulations", func(r chi.Router) {
		r.Post("/", h.start)
		r.Get("/", h.list)
		r.Get("/{id}/status", h.status)
		r.Get("/{id}/events", h.events)
		r.Delete("/{id}", h.stop)
	})
	return r
}

type statusResponse struct {
	SimulationID string     `json:"simulationId"`
	Status       job.Status `json:"status"`
	Error        string     `json:"error,omitempty"`
	Iteration    *int       `json:"iteration,omitempty"`
}

func newStatusResponse(s job.Snapshot) statusResponse {
	return statusResponse{
		SimulationID: s.ID,
		Status:       s.Status,
		Error:        s.Error,
		Iteration:    s.Iteration,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h handler) start(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, r, fmt.Errorf("%w: reading multipart form: %w", model.ErrInvalidArgument, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, err := parseStart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	file, _, err := r.FormFile("networkFile")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: networkFile is required", model.ErrInvalidArgument))
		return
	}
	defer file.Close()

	req.Network, err = h.stage(req.ScenarioID, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.sims.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseStart(r *http.Request) (service.StartRequest, error) {
	var req service.StartRequest
	if v := r.FormValue("iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: iterations: %w", model.ErrInvalidArgument, err)
		}
		req.Iterations = n
	}
	if v := r.FormValue("randomSeed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: randomSeed: %w", model.ErrInvalidArgument, err)
		}
		req.Seed = &n
	}
	req.ScenarioID = r.FormValue("scenarioId")
	if req.ScenarioID == "" {
		req.ScenarioID = uuid.NewString()
	} else if !service.ValidID(req.ScenarioID) {
		return req, fmt.Errorf("%w: scenarioId %q is not a valid id", model.ErrInvalidArgument, req.ScenarioID)
	}
	req.RunID = r.FormValue("runId")
	return req, nil
}

// stage stores the uploaded network as <workDir>/<scenarioID>/network.xml.
func (h handler) stage(scenarioID string, src io.Reader) (string, error) {
	dir := filepath.Join(h.workDir, scenarioID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating scenario directory: %w", err)
	}
	path := filepath.Join(dir, networkFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("staging network file: %w", err)
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("staging network file: %w", err)
	}
	return path, nil
}

func (h handler) list(w http.ResponseWriter, _ *http.Request) {
	snaps := h.sims.List()
	out := make([]statusResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, newStatusResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.sims.Status(id)
	if !ok {
		writeError(w, r, fmt.Errorf("%s: %w", id, model.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(snap))
}

func (h handler) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.sims.Stream(r.Context(), id, w)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, err)
	case err != nil:
		// headers are gone already
		slog.DebugContext(r.Context(), "event stream ended", "job_id", id, "error", err)
	}
}

func (h handler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.sims.Stop(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sims.Health())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		code, status = "invalid_argument", http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, model.ErrBusUnavailable):
		code, status = "bus_unavailable", http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
