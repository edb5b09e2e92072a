package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/trafficjam/simengine/internal/bus"
	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/event"
	"github.com/trafficjam/simengine/internal/job"
	"github.com/trafficjam/simengine/internal/log"
	"github.com/trafficjam/simengine/internal/model"
	"github.com/trafficjam/simengine/internal/parallel"
	"github.com/trafficjam/simengine/internal/stream"
)

const maxSeed = 1_000_000

type StartRequest struct {
	Network    string // path of the staged network file
	Iterations int    // 0 means the configured default
	Seed       *int64 // nil picks one in [1, 1_000_000)
	ScenarioID string // generated when empty
	RunID      string // generated when empty
}

type StartResult struct {
	JobID      string     `json:"simulationId"`
	Status     job.Status `json:"status"`
	ScenarioID string     `json:"scenarioId"`
	RunID      string     `json:"runId"`
}

type Orchestrator struct {
	cfg      model.Config
	registry *job.Registry
	pool     *parallel.Pool
	runner   *job.Runner
	hub      *stream.Hub
	bus      *bus.Sink
	stats    *event.Stats
}

// NewOrchestrator wires the job runner, the live hub and the bus sink.
// opts are passed to the job runner.
func NewOrchestrator(cfg model.Config, eng engine.Engine, pub bus.Publisher, opts ...job.RunnerOption) *Orchestrator {
	stats := &event.Stats{}
	registry := job.NewRegistry(cfg.Jobs.Retention, cfg.Jobs.CleanupInterval)
	pool := parallel.NewPool(cfg.Jobs.Workers)
	opts = append([]job.RunnerOption{job.WithStats(stats)}, opts...)
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		runner:   job.NewRunner(registry, pool, eng, opts...),
		hub:      stream.NewHub(stream.DefaultBufferSize),
		bus:      bus.NewSink(pub, cfg.Bus.SubjectRoot, cfg.Bus.PublishTimeout),
		stats:    stats,
	}
}

// Start schedules a simulation and returns as soon as it is registered.
// It refuses to start anything while the event bus is disconnected.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if !o.bus.Connected() {
		return StartResult{}, model.ErrBusUnavailable
	}
	jr, err := o.prepare(req)
	if err != nil {
		return StartResult{}, err
	}
	lctx := log.ContextAttrs(ctx, slog.String("job_id", jr.ID))

	o.hub.Open(jr.ID)
	o.bus.PublishStatus(lctx, jr.ScenarioID, jr.RunID, string(job.StatusRunning))
	jr.BatchSize = o.cfg.Jobs.BatchSize
	jr.Sink = event.SinkFunc(func(ctx context.Context, batch []event.Event) {
		o.hub.Publish(jr.ID, batch)
		o.bus.Events(jr.ScenarioID, jr.RunID).HandleEvents(ctx, batch)
	})
	jr.OnStatus = o.finish

	snap, err := o.runner.Start(ctx, jr)
	if err != nil {
		o.hub.Close(jr.ID)
		o.bus.PublishStatus(lctx, jr.ScenarioID, jr.RunID, string(job.StatusFailed))
		return StartResult{}, fmt.Errorf("starting simulation: %w", err)
	}
	slog.InfoContext(lctx, "simulation started",
		"scenario_id", jr.ScenarioID,
		"run_id", jr.RunID,
		"iterations", jr.Spec.Iterations,
		"seed", jr.Spec.Seed,
	)
	return StartResult{
		JobID:      snap.ID,
		Status:     snap.Status,
		ScenarioID: snap.ScenarioID,
		RunID:      snap.RunID,
	}, nil
}

// Run executes a simulation on the calling goroutine, delivering events in
// batches of jobs.blocking_batch_size to sink and, when it is connected, to
// the bus. Canceling ctx stops the simulation. Unlike Start it does not
// need the bus.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest, sink event.Sink) (job.Snapshot, error) {
	jr, err := o.prepare(req)
	if err != nil {
		return job.Snapshot{}, err
	}
	if sink == nil {
		sink = event.Discard
	}
	lctx := log.ContextAttrs(ctx, slog.String("job_id", jr.ID))
	jr.BatchSize = o.cfg.Jobs.BlockingBatchSize
	jr.Sink = sink
	if o.bus.Connected() {
		o.bus.PublishStatus(lctx, jr.ScenarioID, jr.RunID, string(job.StatusRunning))
		jr.Sink = event.SinkFunc(func(ctx context.Context, batch []event.Event) {
			sink.HandleEvents(ctx, batch)
			o.bus.Events(jr.ScenarioID, jr.RunID).HandleEvents(ctx, batch)
		})
		jr.OnStatus = o.finish
	} else {
		slog.WarnContext(lctx, "event bus is not connected, events are not published")
	}
	return o.runner.Run(ctx, jr)
}

func (o *Orchestrator) Status(id string) (job.Snapshot, bool) {
	return o.registry.Get(id)
}

// Stop requests the simulation to stop. Unknown ids fail with model.ErrNotFound.
func (o *Orchestrator) Stop(id string) error {
	return o.runner.Stop(id)
}

// Stream serves the live progress of simulation id as server-sent events
// until it finishes, the client goes away or server.stream_timeout passes.
// An unknown id fails with model.ErrNotFound before anything is written.
func (o *Orchestrator) Stream(ctx context.Context, id string, w http.ResponseWriter) error {
	if _, ok := o.registry.Get(id); !ok {
		return fmt.Errorf("streaming %s: %w", id, model.ErrNotFound)
	}
	if timeout := o.cfg.Server.StreamTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	events := o.hub.Subscribe(ctx, id)
	return stream.Serve(ctx, stream.NewWriter(w), id, o.registry.Get, events, o.cfg.Server.StreamInterval)
}

func (o *Orchestrator) List() []job.Snapshot {
	return o.registry.List()
}

type Health struct {
	Status  string             `json:"status"`
	Bus     BusHealth          `json:"bus"`
	Jobs    map[job.Status]int `json:"jobs"`
	Workers WorkersHealth      `json:"workers"`
	Events  EventsHealth       `json:"events"`
}

type BusHealth struct {
	Connected bool `json:"connected"`
	bus.Counts
}

type WorkersHealth struct {
	Size   int `json:"size"`
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type EventsHealth struct {
	event.Counts
	LiveDropped uint64 `json:"liveDropped"`
}

// Health reports "ok", or "degraded" while the bus is disconnected.
func (o *Orchestrator) Health() Health {
	connected := o.bus.Connected()
	status := "ok"
	if !connected {
		status = "degraded"
	}
	return Health{
		Status: status,
		Bus: BusHealth{
			Connected: connected,
			Counts:    o.bus.Counts(),
		},
		Jobs: o.registry.CountByStatus(),
		Workers: WorkersHealth{
			Size:   o.pool.Size(),
			Active: o.pool.Active(),
			Queued: o.pool.Queued(),
		},
		Events: EventsHealth{
			Counts:      o.stats.Snapshot(),
			LiveDropped: o.hub.Dropped(),
		},
	}
}

// Close stops all simulations and waits for them to end.
func (o *Orchestrator) Close() {
	o.runner.Close()
}

func (o *Orchestrator) prepare(req StartRequest) (job.Request, error) {
	var errs []error
	if req.Network == "" {
		errs = append(errs, errors.New("network file is required"))
	}
	if req.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations must not be negative, got %d", req.Iterations))
	}
	if req.Seed != nil && *req.Seed < 0 {
		errs = append(errs, fmt.Errorf("random seed must not be negative, got %d", *req.Seed))
	}
	if req.ScenarioID != "" && !ValidID(req.ScenarioID) {
		errs = append(errs, fmt.Errorf("scenarioId %q is not a valid id", req.ScenarioID))
	}
	if req.RunID != "" && !ValidID(req.RunID) {
		errs = append(errs, fmt.Errorf("runId %q is not a valid id", req.RunID))
	}
	if len(errs) > 0 {
		return job.Request{}, fmt.Errorf("%w: %w", model.ErrInvalidArgument, errors.Join(errs...))
	}

	iterations := req.Iterations
	if iterations == 0 {
		iterations = o.cfg.Jobs.DefaultIterations
	}
	var seed int64
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		seed = 1 + rand.Int64N(maxSeed-1)
	}
	scenarioID := req.ScenarioID
	if scenarioID == "" {
		scenarioID = uuid.NewString()
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	outputDir := filepath.Join(o.cfg.Jobs.WorkDir, scenarioID, runID)
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return job.Request{}, fmt.Errorf("creating output directory: %w", err)
	}

	return job.Request{
		ID:         uuid.NewString(),
		ScenarioID: scenarioID,
		RunID:      runID,
		Spec: engine.Spec{
			Network:    req.Network,
			Iterations: iterations,
			Seed:       seed,
			OutputDir:  outputDir,
		},
	}, nil
}

// finish publishes the final status and ends live streams of the job.
func (o *Orchestrator) finish(ctx context.Context, final job.Snapshot) {
	o.bus.PublishStatus(ctx, final.ScenarioID, final.RunID, string(final.Status))
	o.hub.Close(final.ID)
}

// ValidID reports whether s can serve as a scenario or run id. Ids become a
// single bus subject token and a directory name.
func ValidID(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch r {
		case '.', '*', '>', '/', '\\':
			return true
		}
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}
