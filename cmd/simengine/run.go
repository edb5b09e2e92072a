package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/trafficjam/simengine/internal/event"
	"github.com/trafficjam/simengine/internal/job"
	"github.com/trafficjam/simengine/internal/log"
	"github.com/trafficjam/simengine/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagNetwork    string
	flagIterations int
	flagSeed       int64
	flagScenarioID string
	flagRunID      string
)

func init() {
	runCmd.Flags().StringVar(&flagNetwork, "network", "", "network file to simulate")
	runCmd.Flags().IntVar(&flagIterations, "iterations", 0, "number of iterations, 0 uses jobs.default_iterations")
	runCmd.Flags().Int64Var(&flagSeed, "seed", 0, "random seed, picked at random when unset")
	runCmd.Flags().StringVar(&flagScenarioID, "scenario", "", "scenario id, generated when empty")
	runCmd.Flags().StringVar(&flagRunID, "run", "", "run id, generated when empty")
	_ = runCmd.MarkFlagRequired("network")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes one simulation and prints its events as json lines",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("simengine",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	env, err := setup(ctx, "simengine-run")
	if err != nil {
		return err
	}
	defer env.close(ctx)

	req := service.StartRequest{
		Network:    flagNetwork,
		Iterations: flagIterations,
		ScenarioID: flagScenarioID,
		RunID:      flagRunID,
	}
	if cmd.Flags().Changed("seed") {
		req.Seed = &flagSeed
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	var writeErr error
	sink := event.SinkFunc(func(_ context.Context, batch []event.Event) {
		for _, e := range batch {
			if writeErr != nil {
				return
			}
			writeErr = enc.Encode(e)
		}
	})

	final, err := env.orchestrator.Run(ctx, req, sink)
	if err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("writing events: %w", writeErr)
	}
	slog.InfoContext(ctx, "simulation finished", "job_id", final.ID, "status", final.Status)
	switch final.Status {
	case job.StatusFailed:
		return errors.New(final.Error)
	case job.StatusStopped:
		return context.Canceled
	}
	return nil
}
