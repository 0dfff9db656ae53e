package batchhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New("fn", "v1", value.NewMap(nil))
	require.NoError(t, err)
	return j
}

func TestAssignPendingCreatesOneAllocationWhileNoneRunning(t *testing.T) {
	h := New(Config{MaxAllocations: 2, SlotsPerAlloc: 2, WorkerPath: "/nonexistent/hither-worker"})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.QueueJob(newTestJob(t)))
	}

	h.assignPending()

	assert.Len(t, h.allocs, 1, "no second allocation is created while one is still pending")
	assert.NotEmpty(t, h.pending, "jobs stay pending until an allocation is running")
}

func TestIterateAdvancesAllocationLifecycle(t *testing.T) {
	h := New(Config{MaxAllocations: 1, SlotsPerAlloc: 1, WorkerPath: "/nonexistent/hither-worker"})
	require.NoError(t, h.QueueJob(newTestJob(t)))

	h.Iterate() // pending -> starting; the job waits for a running allocation
	require.Len(t, h.allocs, 1)
	assert.Equal(t, allocStarting, h.allocs[0].state)

	h.Iterate() // starting -> running
	assert.Equal(t, allocRunning, h.allocs[0].state)
}

func TestSpawnFailureMarksJobErrored(t *testing.T) {
	h := New(Config{MaxAllocations: 1, SlotsPerAlloc: 1, WorkerPath: "/nonexistent/hither-worker"})
	j := newTestJob(t)
	require.NoError(t, h.QueueJob(j))

	h.Iterate() // pending -> starting
	h.Iterate() // starting -> running
	h.Iterate() // running: inner.Iterate() promotes and fails to spawn

	assert.Equal(t, job.StatusError, j.Status())
	require.NotNil(t, j.Err())
	assert.Equal(t, job.KindExecutionError, j.Err().Kind)
}

func TestIdleAllocationStoppedAfterGracePeriod(t *testing.T) {
	h := New(Config{MaxAllocations: 1, SlotsPerAlloc: 1, WorkerPath: "/nonexistent/hither-worker"})
	a := h.newAllocation()
	a.state = allocRunning
	a.startedAt = time.Now()
	a.idleSince = time.Now().Add(-IdleGrace - time.Second)

	h.reapIdleAllocations()

	assert.Empty(t, h.allocs, "idle allocation past grace period with no pending jobs is stopped")
}

func TestAllocationNotStoppedWhileWithinGracePeriod(t *testing.T) {
	h := New(Config{MaxAllocations: 1, SlotsPerAlloc: 1, WorkerPath: "/nonexistent/hither-worker"})
	a := h.newAllocation()
	a.state = allocRunning
	a.startedAt = time.Now()
	a.idleSince = time.Now()

	h.reapIdleAllocations()

	require.Len(t, h.allocs, 1)
	assert.Equal(t, allocRunning, h.allocs[0].state)
}

func TestCancelPendingJobRemovesIt(t *testing.T) {
	h := New(Config{MaxAllocations: 1, SlotsPerAlloc: 1, WorkerPath: "/nonexistent/hither-worker"})
	j := newTestJob(t)
	require.NoError(t, h.QueueJob(j))

	require.NoError(t, h.CancelJob(j.ID()))

	assert.Empty(t, h.pending)
	assert.Equal(t, job.StatusError, j.Status())
	assert.Equal(t, job.KindJobCancelled, j.Err().Kind)
}
