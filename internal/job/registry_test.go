package job_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/trafficjam/simengine/internal/job"
	"github.com/trafficjam/simengine/internal/model"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry(0, 0)

	require.NoError(t, reg.Register(job.Snapshot{ID: "j1", ScenarioID: "s1", RunID: "r1", Status: job.StatusFailed}, nil))
	err := reg.Register(job.Snapshot{ID: "j1"}, nil)
	require.ErrorIs(t, err, model.ErrAlreadyRegistered)
	require.ErrorIs(t, reg.Register(job.Snapshot{}, nil), model.ErrInvalidArgument)

	snap, ok := reg.Get("j1")
	require.True(t, ok)
	require.Equal(t, job.StatusRunning, snap.Status)
	require.Equal(t, "s1", snap.ScenarioID)
	require.Equal(t, "r1", snap.RunID)
	require.Nil(t, snap.Iteration)
	require.Nil(t, snap.StoppedAt)
	require.False(t, snap.StartedAt.IsZero())

	t.Run("iteration is monotonic", func(t *testing.T) {
		require.NoError(t, reg.UpdateIteration("j1", 2))
		require.NoError(t, reg.UpdateIteration("j1", 1))
		snap, _ := reg.Get("j1")
		require.Equal(t, 2, *snap.Iteration)
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		snap, _ := reg.Get("j1")
		*snap.Iteration = 42
		again, _ := reg.Get("j1")
		require.Equal(t, 2, *again.Iteration)
	})

	t.Run("failed keeps its error", func(t *testing.T) {
		require.NoError(t, reg.UpdateStatus("j1", job.StatusFailed, "boom"))
		snap, _ := reg.Get("j1")
		require.Equal(t, job.StatusFailed, snap.Status)
		require.Equal(t, "boom", snap.Error)
		require.NotNil(t, snap.StoppedAt)
	})

	t.Run("terminal status is final", func(t *testing.T) {
		require.NoError(t, reg.UpdateStatus("j1", job.StatusCompleted, ""))
		require.NoError(t, reg.UpdateStatus("j1", job.StatusRunning, ""))
		require.NoError(t, reg.RequestCancel("j1"))
		snap, _ := reg.Get("j1")
		require.Equal(t, job.StatusFailed, snap.Status)
		require.Equal(t, "boom", snap.Error)
	})

	require.Equal(t, 1, reg.Len())
	require.Equal(t, map[job.Status]int{job.StatusFailed: 1}, reg.CountByStatus())
}

func TestRegistry_NotFound(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry(0, 0)

	_, ok := reg.Get("nope")
	require.False(t, ok)
	require.ErrorIs(t, reg.UpdateStatus("nope", job.StatusCompleted, ""), model.ErrNotFound)
	require.ErrorIs(t, reg.UpdateIteration("nope", 1), model.ErrNotFound)
	require.ErrorIs(t, reg.RequestCancel("nope"), model.ErrNotFound)
	require.False(t, reg.StopRequested("nope"))
	require.Empty(t, reg.List())
}

func TestRegistry_RequestCancel(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry(0, 0)
	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, reg.Register(job.Snapshot{ID: "j1"}, cancel))

	require.False(t, reg.StopRequested("j1"))
	require.NoError(t, reg.RequestCancel("j1"))
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.True(t, reg.StopRequested("j1"))

	snap, _ := reg.Get("j1")
	require.Equal(t, job.StatusStopped, snap.Status)
	require.Empty(t, snap.Error)

	// the worker reporting afterwards doesn't change the outcome
	require.NoError(t, reg.UpdateStatus("j1", job.StatusFailed, "context canceled"))
	snap, _ = reg.Get("j1")
	require.Equal(t, job.StatusStopped, snap.Status)
	require.Empty(t, snap.Error)
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry(0, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(job.Snapshot{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}, nil))
	}
	var ids []string
	for _, s := range reg.List() {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRegistry_Retention(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry(20*time.Millisecond, 0)
	require.NoError(t, reg.Register(job.Snapshot{ID: "done"}, nil))
	require.NoError(t, reg.Register(job.Snapshot{ID: "stopped"}, nil))
	require.NoError(t, reg.Register(job.Snapshot{ID: "running"}, nil))

	require.NoError(t, reg.UpdateStatus("done", job.StatusCompleted, ""))
	require.NoError(t, reg.RequestCancel("stopped"))

	require.Eventually(t, func() bool {
		_, done := reg.Get("done")
		_, stopped := reg.Get("stopped")
		return !done && !stopped
	}, 2*time.Second, 5*time.Millisecond)

	snap, ok := reg.Get("running")
	require.True(t, ok)
	require.Equal(t, job.StatusRunning, snap.Status)
	require.Len(t, reg.List(), 1)
}

func TestRegistry_StateMachine(t *testing.T) {
	statuses := []job.Status{job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusStopped}
	rapid.Check(t, func(t *rapid.T) {
		reg := job.NewRegistry(0, 0)
		n := rapid.IntRange(1, 5).Draw(t, "jobs")
		for i := range n {
			if err := reg.Register(job.Snapshot{ID: fmt.Sprintf("j%d", i)}, nil); err != nil {
				t.Fatalf("register: %v", err)
			}
		}
		prev := make(map[string]job.Snapshot)
		for _, s := range reg.List() {
			prev[s.ID] = s
		}

		ops := rapid.IntRange(1, 80).Draw(t, "ops")
		for range ops {
			id := fmt.Sprintf("j%d", rapid.IntRange(0, n-1).Draw(t, "id"))
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				st := statuses[rapid.IntRange(0, len(statuses)-1).Draw(t, "status")]
				_ = reg.UpdateStatus(id, st, "err-"+id)
			case 1:
				_ = reg.UpdateIteration(id, rapid.IntRange(0, 20).Draw(t, "iteration"))
			case 2:
				_ = reg.RequestCancel(id)
			}

			cur, _ := reg.Get(id)
			old := prev[id]
			if old.Status.Terminal() && (cur.Status != old.Status || cur.Error != old.Error) {
				t.Fatalf("%s left terminal state %s for %s", id, old.Status, cur.Status)
			}
			if cur.Error != "" && cur.Status != job.StatusFailed {
				t.Fatalf("%s has error %q in status %s", id, cur.Error, cur.Status)
			}
			if old.Iteration != nil && (cur.Iteration == nil || *cur.Iteration < *old.Iteration) {
				t.Fatalf("%s iteration went backwards", id)
			}
			prev[id] = cur
		}
	})
}
