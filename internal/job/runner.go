package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/event"
	"github.com/trafficjam/simengine/internal/log"
	"github.com/trafficjam/simengine/internal/model"
	"github.com/trafficjam/simengine/internal/parallel"
)

var ErrClosed = errors.New("job runner is closed")

// Request describes one job to run.
type Request struct {
	ID         string
	ScenarioID string
	RunID      string
	Spec       engine.Spec
	// Sink receives the accepted events of the job, nil discards them.
	Sink event.Sink
	// BatchSize is the number of events delivered to Sink at once.
	BatchSize int
	// OnStatus is called once, after the job reached its final status.
	OnStatus func(ctx context.Context, final Snapshot)
}

// Runner executes jobs on a worker pool and keeps their state in a Registry.
type Runner struct {
	ctx      context.Context
	cancel   context.CancelFunc
	closeMx  sync.RWMutex
	closed   bool
	registry *Registry
	pool     *parallel.Pool
	engine   engine.Engine
	stats    *event.Stats
	tracer   trace.Tracer
}

type RunnerOption func(*Runner)

func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = t
	}
}

// WithStats makes every job pipeline count into stats.
func WithStats(stats *event.Stats) RunnerOption {
	return func(r *Runner) {
		r.stats = stats
	}
}

func NewRunner(registry *Registry, pool *parallel.Pool, eng engine.Engine, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		ctx:      ctx,
		cancel:   cancel,
		registry: registry,
		pool:     pool,
		engine:   eng,
		stats:    &event.Stats{},
		tracer:   otel.Tracer("github.com/trafficjam/simengine/internal/job"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the job as RUNNING and schedules it. It returns as soon as
// the job is registered, a status query right after Start always finds it.
func (r *Runner) Start(ctx context.Context, req Request) (Snapshot, error) {
	r.closeMx.RLock()
	defer r.closeMx.RUnlock()
	if r.closed {
		return Snapshot{}, ErrClosed
	}

	jobCtx, cancel := context.WithCancel(r.ctx)
	if err := r.register(req, cancel); err != nil {
		cancel()
		return Snapshot{}, err
	}
	jobCtx = log.ContextAttrs(jobCtx, jobAttrs(req)...)
	snap, _ := r.registry.Get(req.ID)

	slog.DebugContext(log.ContextAttrs(ctx, jobAttrs(req)...), "scheduling job")
	r.pool.Go(jobCtx, func(ctx context.Context) {
		defer cancel()
		r.execute(ctx, req)
	})
	return snap, nil
}

// Run executes the job on the calling goroutine and returns its final
// snapshot. Canceling ctx stops the job.
func (r *Runner) Run(ctx context.Context, req Request) (Snapshot, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.register(req, cancel); err != nil {
		return Snapshot{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = r.registry.RequestCancel(req.ID)
	})
	defer stop()

	r.execute(log.ContextAttrs(jobCtx, jobAttrs(req)...), req)
	final, _ := r.registry.Get(req.ID)
	return final, nil
}

// Stop requests cooperative cancellation of a job. The job is reported
// STOPPED right away; its worker ends once the engine notices.
func (r *Runner) Stop(id string) error {
	return r.registry.RequestCancel(id)
}

// Close stops every running job and waits for the workers to return.
// Start fails with ErrClosed afterwards.
func (r *Runner) Close() {
	r.closeMx.Lock()
	r.closed = true
	r.closeMx.Unlock()

	for _, s := range r.registry.List() {
		if s.Status.Terminal() {
			continue
		}
		if err := r.registry.RequestCancel(s.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			slog.Warn("stopping job on close", "job_id", s.ID, "error", err)
		}
	}
	r.cancel()
	r.pool.Wait()
}

func (r *Runner) register(req Request, cancel context.CancelFunc) error {
	return r.registry.Register(Snapshot{
		ID:         req.ID,
		ScenarioID: req.ScenarioID,
		RunID:      req.RunID,
	}, cancel)
}

func (r *Runner) execute(ctx context.Context, req Request) {
	ctx, span := r.tracer.Start(ctx, "simulation.run", trace.WithAttributes(
		attribute.String("simulation.id", req.ID),
		attribute.String("simulation.scenario_id", req.ScenarioID),
		attribute.String("simulation.run_id", req.RunID),
		attribute.Int("simulation.iterations", req.Spec.Iterations),
		attribute.Int64("simulation.seed", req.Spec.Seed),
	))
	defer span.End()

	sink := req.Sink
	if sink == nil {
		sink = event.Discard
	}
	// sinks still get the final batch and status after a stop
	sinkCtx := context.WithoutCancel(ctx)
	pipeline := event.NewPipeline(sink, req.BatchSize, r.stats)

	start := time.Now()
	var err error
	if ctx.Err() != nil {
		// stopped while waiting for a worker
		err = ctx.Err()
	} else {
		slog.InfoContext(ctx, "job started")
		err = r.runEngine(ctx, req.Spec, engine.Callbacks{
			OnEvent: func(raw event.Raw) {
				pipeline.Submit(sinkCtx, raw)
			},
			OnIterationStart: func(n int) {
				pipeline.FlushRemaining(sinkCtx)
				if uerr := r.registry.UpdateIteration(req.ID, n); uerr != nil {
					slog.WarnContext(ctx, "recording iteration", "iteration", n, "error", uerr)
				}
				span.AddEvent("iteration", trace.WithAttributes(attribute.Int("iteration", n)))
			},
		})
	}
	pipeline.FlushRemaining(sinkCtx)

	status, msg := r.classify(req.ID, err)
	if uerr := r.registry.UpdateStatus(req.ID, status, msg); uerr != nil {
		slog.ErrorContext(sinkCtx, "recording final status", "status", status, "error", uerr)
	}
	final, ok := r.registry.Get(req.ID)
	if !ok {
		final = Snapshot{ID: req.ID, ScenarioID: req.ScenarioID, RunID: req.RunID, Status: status, Error: msg}
	}

	counts := pipeline.Counts()
	attrs := []any{
		"status", final.Status,
		"elapsed", time.Since(start).String(),
		slog.Group("events",
			"accepted", counts.Accepted,
			"filtered", counts.Filtered,
			"malformed", counts.Malformed,
			"delivered", counts.Delivered,
		),
	}
	span.SetAttributes(
		attribute.String("simulation.status", string(final.Status)),
		attribute.Int64("simulation.events.accepted", int64(counts.Accepted)),
		attribute.Int64("simulation.events.dropped", int64(counts.Filtered+counts.Malformed)),
	)
	switch status {
	case StatusFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		slog.ErrorContext(sinkCtx, "job failed", append(attrs, "error", err)...)
	default:
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(sinkCtx, "job finished", attrs...)
	}

	if req.OnStatus != nil {
		req.OnStatus(sinkCtx, final)
	}
}

// classify maps the engine result to a final status. An error counts as a
// stop only when a stop was requested for the job, any other error fails it.
func (r *Runner) classify(id string, err error) (Status, string) {
	switch {
	case err == nil:
		return StatusCompleted, ""
	case r.registry.StopRequested(id):
		return StatusStopped, ""
	default:
		return StatusFailed, err.Error()
	}
}

func (r *Runner) runEngine(ctx context.Context, spec engine.Spec, cb engine.Callbacks) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine panicked: %v", p)
		}
	}()
	return r.engine.Run(ctx, spec, cb)
}

func jobAttrs(req Request) []slog.Attr {
	return []slog.Attr{
		slog.String("job_id", req.ID),
		slog.String("scenario_id", req.ScenarioID),
		slog.String("run_id", req.RunID),
	}
}
