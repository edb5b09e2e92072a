package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/trafficjam/simengine/internal/model"
)

// NewReconciler returns a stopped scheduler running ensure on schedule.
// Start it with Start and stop it with Shutdown.
func NewReconciler(ctx context.Context, schedule model.Schedule, ensure func(context.Context) error) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case schedule.Cron != "":
		if _, err := model.ParseCron(schedule.Cron); err != nil {
			return nil, fmt.Errorf("parsing bus.reconcile.cron: %w", err)
		}
		job = gocron.CronJob(schedule.Cron, false)
		slog.DebugContext(ctx, "stream reconcile scheduled", "cron", schedule.Cron)
	case schedule.Duration != "":
		d, err := model.ParseISODuration(schedule.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing bus.reconcile.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("bus.reconcile.duration must be positive, got %s", schedule.Duration)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "stream reconcile scheduled", "every", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			if err := ensure(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduled stream reconcile failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
