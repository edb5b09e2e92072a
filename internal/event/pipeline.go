package event

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Counts of what a pipeline did with the events submitted to it.
type Counts struct {
	Accepted  uint64 `json:"accepted"`
	Filtered  uint64 `json:"filtered"`
	Malformed uint64 `json:"malformed"`
	Batches   uint64 `json:"batches"`
	Delivered uint64 `json:"delivered"`
}

// Stats aggregates Counts of every pipeline in the process.
// The zero value is ready to use.
type Stats struct {
	accepted  atomic.Uint64
	filtered  atomic.Uint64
	malformed atomic.Uint64
	batches   atomic.Uint64
	delivered atomic.Uint64
}

func (s *Stats) Snapshot() Counts {
	return Counts{
		Accepted:  s.accepted.Load(),
		Filtered:  s.filtered.Load(),
		Malformed: s.malformed.Load(),
		Batches:   s.batches.Load(),
		Delivered: s.delivered.Load(),
	}
}

// Pipeline filters, transforms and batches the raw events of one job.
// It is owned by the goroutine running the job and is not safe for
// concurrent use. Sink calls happen on that goroutine, so a slow sink
// slows the job down.
type Pipeline struct {
	sink      Sink
	batchSize int
	batch     []Event
	counts    Counts
	stats     *Stats
}

// NewPipeline returns a pipeline flushing to sink every batchSize events.
// stats may be nil. A batchSize below 1 is treated as 1.
func NewPipeline(sink Sink, batchSize int, stats *Stats) *Pipeline {
	if batchSize < 1 {
		batchSize = 1
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Pipeline{
		sink:      sink,
		batchSize: batchSize,
		batch:     make([]Event, 0, batchSize),
		stats:     stats,
	}
}

func (p *Pipeline) Submit(ctx context.Context, r Raw) {
	if !Allowed(r.Type) {
		p.counts.Filtered++
		p.stats.filtered.Add(1)
		return
	}
	e, ok := Transform(r)
	if !ok {
		p.counts.Malformed++
		p.stats.malformed.Add(1)
		slog.DebugContext(ctx, "dropping malformed event", "type", r.Type, "time", r.Time)
		return
	}
	p.counts.Accepted++
	p.stats.accepted.Add(1)
	p.batch = append(p.batch, e)
	if len(p.batch) >= p.batchSize {
		p.flush(ctx)
	}
}

// FlushRemaining delivers the partial batch, if any. It must be called
// when the job ends, whatever the outcome.
func (p *Pipeline) FlushRemaining(ctx context.Context) {
	p.flush(ctx)
}

// Counts returns what this pipeline has seen so far.
func (p *Pipeline) Counts() Counts {
	return p.counts
}

func (p *Pipeline) flush(ctx context.Context) {
	if len(p.batch) == 0 {
		return
	}
	batch := p.batch
	p.batch = make([]Event, 0, p.batchSize)
	n := uint64(len(batch))
	p.sink.HandleEvents(ctx, batch)
	p.counts.Batches++
	p.counts.Delivered += n
	p.stats.batches.Add(1)
	p.stats.delivered.Add(n)
}
