// Package batchhandler implements the Slurm/Batch Job Handler: jobs are
// grouped into bounded allocations, each an inner Parallel-style worker
// pool with its own pending -> starting -> running -> stopped lifecycle.
// At most M allocations may coexist, each holding up to K concurrent
// slots; an allocation idle past a grace period is stopped.
//
// Grounded on a tick-driven reconciliation loop (walking tracked units and
// converging actual state toward desired state every tick) generalized
// from "containers per service" to "allocations per handler, jobs per
// allocation".
package batchhandler

import (
	"time"

	"github.com/google/uuid"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/parallelhandler"
)

// allocState is an allocation's lifecycle state.
type allocState int

const (
	allocPending allocState = iota
	allocStarting
	allocRunning
	allocStopped
)

// IdleGrace is the grace period an allocation must sit idle (and the
// Manager must have no pending jobs for this handler) before it is
// stopped: a small grace period (~2 seconds) to absorb bursty submission.
const IdleGrace = 2 * time.Second

// allocation is one sub-pool of size K, internally dispatched exactly like
// the Parallel handler once running.
type allocation struct {
	id        string
	state     allocState
	inner     *parallelhandler.Handler
	slots     int
	startedAt time.Time
	idleSince time.Time
	timeLimit time.Duration
}

func (a *allocation) activeCount() int {
	return a.inner.QueueDepth()
}

func (a *allocation) hasFreeSlot() bool {
	return a.activeCount() < a.slots
}

// Config bounds the allocation pool: M concurrent allocations, each with K
// slots, each allocation's overall wall-clock time limit, and the worker
// binary path parallelhandler re-execs per slot.
type Config struct {
	MaxAllocations int
	SlotsPerAlloc  int
	TimeLimit      time.Duration
	WorkerPath     string
}

// Handler is the Batch/Allocation Job Handler.
type Handler struct {
	id  string
	cfg Config

	pending []*job.Job
	allocs  []*allocation
}

// New creates a Batch handler with the given allocation bounds.
func New(cfg Config) *Handler {
	if cfg.MaxAllocations <= 0 {
		cfg.MaxAllocations = 1
	}
	if cfg.SlotsPerAlloc <= 0 {
		cfg.SlotsPerAlloc = 1
	}
	return &Handler{id: "batch-" + uuid.NewString(), cfg: cfg}
}

func (h *Handler) ID() string     { return h.id }
func (h *Handler) IsRemote() bool { return false }

// QueueJob appends to the handler's own pending-jobs list; it is not
// assigned to an allocation until Iterate runs.
func (h *Handler) QueueJob(j *job.Job) error {
	h.pending = append(h.pending, j)
	return nil
}

// Iterate runs one reconciliation pass: assign pending jobs to allocations
// (creating new ones as needed), advance every allocation's state machine,
// and stop allocations that have gone idle past the grace period.
func (h *Handler) Iterate() {
	h.assignPending()
	h.advanceAllocations()
	h.reapIdleAllocations()
}

// assignPending finds a running allocation with a free slot for each
// pending job; failing that, starts a new one if under the cap and none
// is already pending/starting.
func (h *Handler) assignPending() {
	var remaining []*job.Job
	for _, j := range h.pending {
		target := h.findRunningWithFreeSlot()
		if target == nil {
			if h.startingOrPending() == nil && h.activeAllocationCount() < h.cfg.MaxAllocations {
				h.newAllocation()
			}
			// No running allocation with a free slot this tick; try again next iterate.
			remaining = append(remaining, j)
			continue
		}
		if err := h.enqueueOnAllocation(target, j); err != nil {
			log.WithJobID(j.ID().String()).Error().Err(err).Msg("batch: failed to enqueue on allocation")
			j.Fail(job.ExecutionError("failed to enqueue on allocation", err))
			continue
		}
	}
	h.pending = remaining
}

func (h *Handler) enqueueOnAllocation(a *allocation, j *job.Job) error {
	if j.JobTimeout > 0 && a.timeLimit > 0 {
		elapsed := time.Since(a.startedAt)
		const margin = 1 * time.Second
		if j.JobTimeout+elapsed >= a.timeLimit+margin {
			j.Fail(job.TimeoutError("job timeout exceeds remaining allocation time limit"))
			return nil
		}
	}
	a.idleSince = time.Time{}
	return a.inner.QueueJob(j)
}

func (h *Handler) findRunningWithFreeSlot() *allocation {
	for _, a := range h.allocs {
		if a.state == allocRunning && a.hasFreeSlot() {
			return a
		}
	}
	return nil
}

func (h *Handler) startingOrPending() *allocation {
	for _, a := range h.allocs {
		if a.state == allocPending || a.state == allocStarting {
			return a
		}
	}
	return nil
}

func (h *Handler) activeAllocationCount() int {
	n := 0
	for _, a := range h.allocs {
		if a.state != allocStopped {
			n++
		}
	}
	return n
}

func (h *Handler) newAllocation() *allocation {
	a := &allocation{
		id:        "alloc-" + uuid.NewString(),
		state:     allocPending,
		inner:     parallelhandler.New(h.cfg.SlotsPerAlloc, h.cfg.WorkerPath),
		slots:     h.cfg.SlotsPerAlloc,
		timeLimit: h.cfg.TimeLimit,
	}
	h.allocs = append(h.allocs, a)
	return a
}

// advanceAllocations moves pending -> starting -> running immediately (an
// allocation has no real provisioning delay here, unlike an actual Slurm
// job submission, since the inner handler is just a local worker pool) and
// drives every running allocation's inner Parallel dispatch.
func (h *Handler) advanceAllocations() {
	for _, a := range h.allocs {
		switch a.state {
		case allocPending:
			a.state = allocStarting
		case allocStarting:
			a.state = allocRunning
			a.startedAt = time.Now()
			a.idleSince = time.Now()
		case allocRunning:
			a.inner.Iterate()
			if a.activeCount() == 0 {
				if a.idleSince.IsZero() {
					a.idleSince = time.Now()
				}
			} else {
				a.idleSince = time.Time{}
			}
		}
	}
}

// reapIdleAllocations implements step 2's stop condition: an allocation
// idle (no queued or running jobs) for more than IdleGrace, with the
// Manager holding no pending jobs for this handler either, is stopped.
func (h *Handler) reapIdleAllocations() {
	noPending := len(h.pending) == 0
	var kept []*allocation
	for _, a := range h.allocs {
		if a.state == allocRunning && noPending && !a.idleSince.IsZero() &&
			time.Since(a.idleSince) > IdleGrace {
			a.inner.Cleanup()
			a.state = allocStopped
		}
		if a.state != allocStopped {
			kept = append(kept, a)
		}
	}
	h.allocs = kept
}

// CancelJob best-effort cancels a job on whichever allocation's inner
// handler currently owns it.
func (h *Handler) CancelJob(id job.ID) error {
	for i, j := range h.pending {
		if j.ID().String() == id.String() {
			j.Fail(job.CancelledError())
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return nil
		}
	}
	for _, a := range h.allocs {
		if err := a.inner.CancelJob(id); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup stops every allocation and fails every still-pending job.
func (h *Handler) Cleanup() {
	for _, a := range h.allocs {
		a.inner.Cleanup()
		a.state = allocStopped
	}
	h.allocs = nil
	for _, j := range h.pending {
		j.Fail(job.CancelledError())
	}
	h.pending = nil
}
