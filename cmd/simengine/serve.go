package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trafficjam/simengine/internal/api"
	"github.com/trafficjam/simengine/internal/bus"
	"github.com/trafficjam/simengine/internal/engine"
	"github.com/trafficjam/simengine/internal/engine/process"
	"github.com/trafficjam/simengine/internal/engine/synthetic"
	"github.com/trafficjam/simengine/internal/job"
	"github.com/trafficjam/simengine/internal/log"
	"github.com/trafficjam/simengine/internal/model"
	"github.com/trafficjam/simengine/internal/service"
	"github.com/trafficjam/simengine/internal/tracing"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and runs simulations on request",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("simengine",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	env, err := setup(ctx, "simengine-serve")
	if err != nil {
		return err
	}
	defer env.close(ctx)

	srv := &http.Server{
		Addr:              config.Server.Addr,
		Handler:           api.NewHandler(env.orchestrator, config.Jobs.WorkDir),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the process
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Server.ShutdownTimeout)
		defer cancel()
		slog.InfoContext(ctx, "shutting down")
		return srv.Shutdown(sctx)
	})

	if !config.Bus.Reconcile.IsZero() {
		reconciler, err := bus.NewReconciler(ctx, config.Bus.Reconcile, env.client.EnsureStream)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		reconciler.Start()
		g.Go(func() error {
			<-gctx.Done()
			return reconciler.Shutdown()
		})
	}

	return g.Wait()
}

// runtimeEnv holds what serve and run share.
type runtimeEnv struct {
	tracer       *tracing.Provider
	client       *bus.Client
	orchestrator *service.Orchestrator
}

func setup(ctx context.Context, clientName string) (*runtimeEnv, error) {
	tp, err := tracing.NewProvider(ctx, config.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}
	eng, err := newEngine(config.Engine)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	client, err := bus.Connect(ctx, bus.Options{
		URL:           config.Bus.URL,
		Name:          clientName,
		Stream:        config.Bus.Stream,
		SubjectRoot:   config.Bus.SubjectRoot,
		MaxAge:        config.Bus.MaxAge,
		ReconnectWait: config.Bus.ReconnectWait,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	return &runtimeEnv{
		tracer:       tp,
		client:       client,
		orchestrator: service.NewOrchestrator(config, eng, client, job.WithTracer(tp.Tracer())),
	}, nil
}

// close stops running simulations before the bus goes away, so their final
// statuses are still published.
func (e *runtimeEnv) close(ctx context.Context) {
	e.orchestrator.Close()
	e.client.Close()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.tracer.Shutdown(sctx); err != nil {
		slog.WarnContext(ctx, "flushing traces", "error", err)
	}
}

func newEngine(cfg model.Engine) (engine.Engine, error) {
	switch cfg.Kind {
	case model.EngineSynthetic:
		return synthetic.New(cfg.Synthetic.Agents, cfg.Synthetic.StepDelay), nil
	case model.EngineProcess:
		return process.New(process.Command{
			Path:      cfg.Process.Path,
			Args:      cfg.Process.Args,
			Env:       cfg.Process.Environ(),
			KillGrace: cfg.Process.KillGrace,
		}, nil), nil
	}
	return nil, fmt.Errorf("%w: unsupported engine %q", model.ErrInvalidArgument, cfg.Kind)
}
