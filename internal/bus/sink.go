package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/trafficjam/simengine/internal/event"
)

const (
	KindEvents = "events"
	KindStatus = "status"
)

var errNotConnected = errors.New("event bus is not connected")

// Subject returns <root>.<scenarioID>.<runID>.<kind>.
func Subject(root, scenarioID, runID, kind string) string {
	return strings.Join([]string{root, scenarioID, runID, kind}, ".")
}

type statusPayload struct {
	Status string `json:"status"`
}

// Sink publishes events and statuses of simulation runs. Publishing never
// fails: when the bus is down or a publish errors, the message is dropped
// with a warning.
type Sink struct {
	pub       Publisher
	root      string
	timeout   time.Duration
	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewSink(pub Publisher, subjectRoot string, timeout time.Duration) *Sink {
	return &Sink{pub: pub, root: subjectRoot, timeout: timeout}
}

func (s *Sink) PublishEvent(ctx context.Context, scenarioID, runID string, e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.drop(ctx, KindEvents, err)
		return
	}
	s.publish(ctx, Subject(s.root, scenarioID, runID, KindEvents), KindEvents, data)
}

func (s *Sink) PublishStatus(ctx context.Context, scenarioID, runID, status string) {
	data, err := json.Marshal(statusPayload{Status: status})
	if err != nil {
		s.drop(ctx, KindStatus, err)
		return
	}
	s.publish(ctx, Subject(s.root, scenarioID, runID, KindStatus), KindStatus, data)
}

// Events adapts the sink to event.Sink for one run. Each event of a batch
// is published on its own, in order.
func (s *Sink) Events(scenarioID, runID string) event.Sink {
	return event.SinkFunc(func(ctx context.Context, batch []event.Event) {
		for _, e := range batch {
			s.PublishEvent(ctx, scenarioID, runID, e)
		}
	})
}

// Connected reports whether publishes currently reach the bus.
func (s *Sink) Connected() bool {
	return s.pub.IsConnected()
}

type Counts struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (s *Sink) Counts() Counts {
	return Counts{Published: s.published.Load(), Dropped: s.dropped.Load()}
}

func (s *Sink) publish(ctx context.Context, subject, kind string, data []byte) {
	if !s.pub.IsConnected() {
		s.drop(ctx, kind, errNotConnected, "subject", subject)
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.pub.Publish(ctx, subject, data); err != nil {
		s.drop(ctx, kind, err, "subject", subject)
		return
	}
	s.published.Add(1)
}

func (s *Sink) drop(ctx context.Context, kind string, err error, args ...any) {
	s.dropped.Add(1)
	slog.WarnContext(ctx, "dropping bus message", append([]any{"kind", kind, "error", err}, args...)...)
}
