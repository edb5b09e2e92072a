package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/trafficjam/simengine/internal/event"
	"github.com/trafficjam/simengine/internal/job"
)

// Event names sent to clients.
const (
	EventConnected  = "connected"
	EventStatus     = "status"
	EventFinished   = "finished"
	EventSimulation = "simulation_event"
)

// StatusFunc looks up the current state of a job.
type StatusFunc func(id string) (job.Snapshot, bool)

// StatusText renders a snapshot the way status messages show it.
func StatusText(s job.Snapshot) string {
	if s.Status == job.StatusRunning && s.Iteration != nil {
		return fmt.Sprintf("%s - Iteration %d", s.Status, *s.Iteration)
	}
	return string(s.Status)
}

// Serve streams job id to w until the job finishes, the job disappears or
// ctx is done. Every interval it sends the job status, events received on
// events in between are forwarded as they come. events may be nil.
//
// It returns nil when the stream ended normally and the write error when
// the client could not be written to.
func Serve(ctx context.Context, w *Writer, id string, status StatusFunc, events <-chan event.Event, interval time.Duration) error {
	if err := w.Send(EventConnected, "Streaming events for simulation: "+id); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, ok := status(id)
		if !ok {
			slog.DebugContext(ctx, "streamed job disappeared", "job_id", id)
			return nil
		}
		if err := w.Send(EventStatus, StatusText(snap)); err != nil {
			return err
		}
		if snap.Status.Terminal() {
			if err := drain(w, events); err != nil {
				return err
			}
			return w.Send(EventFinished, string(snap.Status))
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				break wait
			case e, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if err := sendEvent(w, e); err != nil {
					return err
				}
			}
		}
	}
}

// drain forwards what is already buffered, without waiting for more.
func drain(w *Writer, events <-chan event.Event) error {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := sendEvent(w, e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func sendEvent(w *Writer, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return w.Send(EventSimulation, string(data))
}
