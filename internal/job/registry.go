// Package job tracks simulation jobs and runs them on a worker pool.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/trafficjam/simengine/internal/model"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Snapshot is a point in time copy of a job.
type Snapshot struct {
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenarioId"`
	RunID      string     `json:"runId"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"` // set only with StatusFailed
	Iteration  *int       `json:"iteration,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
}

type entry struct {
	mx            sync.RWMutex
	snap          Snapshot
	cancel        context.CancelFunc
	stopRequested bool
}

// snapshot must be called with e.mx held
func (e *entry) snapshot() Snapshot {
	s := e.snap
	if s.Iteration != nil {
		n := *s.Iteration
		s.Iteration = &n
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		s.StoppedAt = &t
	}
	return s
}

// Registry maps job ids to jobs. It is safe for concurrent use; each job
// has its own lock, so updates of one job never wait for another.
//
// Running jobs never expire. With a positive retention, finished jobs are
// evicted retention after they stopped.
type Registry struct {
	store     *gocache.Cache
	retention time.Duration
	now       func() time.Time
}

// NewRegistry returns an empty registry. retention <= 0 keeps finished jobs
// for the lifetime of the process.
func NewRegistry(retention, cleanupInterval time.Duration) *Registry {
	if retention <= 0 {
		// nothing ever expires, no janitor needed
		cleanupInterval = 0
		retention = 0
	}
	return &Registry{
		store:     gocache.New(gocache.NoExpiration, cleanupInterval),
		retention: retention,
		now:       time.Now,
	}
}

// Register adds a RUNNING job. cancel is called by RequestCancel and may be nil.
func (r *Registry) Register(s Snapshot, cancel context.CancelFunc) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty job id", model.ErrInvalidArgument)
	}
	s.Status = StatusRunning
	s.Error = ""
	s.StoppedAt = nil
	if s.StartedAt.IsZero() {
		s.StartedAt = r.now()
	}
	e := &entry{snap: s, cancel: cancel}
	if err := r.store.Add(s.ID, e, gocache.NoExpiration); err != nil {
		return fmt.Errorf("%w: %s", model.ErrAlreadyRegistered, s.ID)
	}
	return nil
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	e, ok := r.entry(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.snapshot(), true
}

// UpdateStatus moves a job to status. errMsg is recorded only for
// StatusFailed. Updating a job which already finished is a no-op.
func (r *Registry) UpdateStatus(id string, status Status, errMsg string) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("updating status of %s: %w", id, model.ErrNotFound)
	}
	e.mx.Lock()
	current := e.snap.Status
	if current.Terminal() {
		e.mx.Unlock()
		slog.Debug("ignoring status update of a finished job", "job_id", id, "status", current, "requested", status)
		return nil
	}
	r.transition(e, status, errMsg)
	e.mx.Unlock()

	if status.Terminal() {
		r.expire(id, e)
	}
	return nil
}

// UpdateIteration records the iteration the engine started. Lower values
// than the recorded one are ignored.
func (r *Registry) UpdateIteration(id string, n int) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("updating iteration of %s: %w", id, model.ErrNotFound)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.snap.Iteration == nil || n > *e.snap.Iteration {
		e.snap.Iteration = &n
	}
	return nil
}

// RequestCancel flags the job as stopped by request, cancels its context and
// marks it STOPPED if it is still RUNNING, whether or not its worker still
// runs. Cancelling a finished job is not an error.
func (r *Registry) RequestCancel(id string) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("stopping %s: %w", id, model.ErrNotFound)
	}
	e.mx.Lock()
	e.stopRequested = true
	cancel := e.cancel
	stopped := false
	if e.snap.Status == StatusRunning {
		r.transition(e, StatusStopped, "")
		stopped = true
	}
	e.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped {
		r.expire(id, e)
	}
	return nil
}

// StopRequested reports whether RequestCancel was called for id.
func (r *Registry) StopRequested(id string) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.stopRequested
}

// List returns all known jobs, oldest first.
func (r *Registry) List() []Snapshot {
	items := r.store.Items()
	out := make([]Snapshot, 0, len(items))
	for _, item := range items {
		e, ok := item.Object.(*entry)
		if !ok {
			continue
		}
		e.mx.RLock()
		out = append(out, e.snapshot())
		e.mx.RUnlock()
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// CountByStatus returns the number of known jobs per status.
func (r *Registry) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, s := range r.List() {
		counts[s.Status]++
	}
	return counts
}

func (r *Registry) Len() int {
	return r.store.ItemCount()
}

// transition must be called with e.mx held
func (r *Registry) transition(e *entry, status Status, errMsg string) {
	e.snap.Status = status
	if status == StatusFailed {
		e.snap.Error = errMsg
	}
	if status.Terminal() {
		t := r.now()
		e.snap.StoppedAt = &t
	}
}

func (r *Registry) expire(id string, e *entry) {
	if r.retention <= 0 {
		return
	}
	r.store.Set(id, e, r.retention)
}

func (r *Registry) entry(id string) (*entry, bool) {
	v, ok := r.store.Get(id)
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	if !ok {
		slog.Error("wrong type stored in the job registry", "job_id", id)
		return nil, false
	}
	return e, true
}
