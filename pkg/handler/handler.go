// Package handler defines the uniform Job Handler abstraction that the
// Job Manager dispatches onto, and implements the Default (in-process,
// synchronous) handler. Parallel, batch, and remote variants live in
// sibling packages since each has a substantially different concurrency
// domain.
package handler

import (
	"time"

	"github.com/google/uuid"

	"github.com/hither-run/hither/pkg/job"
)

// Handler is the backend abstraction every execution strategy implements.
type Handler interface {
	ID() string
	QueueJob(j *job.Job) error
	Iterate()
	CancelJob(id job.ID) error
	Cleanup()
	IsRemote() bool
}

// Default runs every job synchronously, in-process, on QueueJob itself;
// Iterate is a no-op.
type Default struct {
	id string
}

// NewDefault creates a Default handler with a fresh handler ID.
func NewDefault() *Default {
	return &Default{id: "default-" + uuid.NewString()}
}

func (d *Default) ID() string { return d.id }

func (d *Default) IsRemote() bool { return false }

// QueueJob runs j.Callable synchronously against its already-resolved
// Kwargs and sets the job terminal before returning.
func (d *Default) QueueJob(j *job.Job) error {
	j.SetStatus(job.StatusRunning)
	ri := j.RuntimeInfo()

	if j.Callable == nil {
		j.Fail(job.ExecutionError("no callable registered for this function", nil))
		ri.Finish(time.Now(), 1)
		return nil
	}

	result, err := j.Callable(j.Kwargs)
	if err != nil {
		j.Fail(job.ExecutionError(err.Error(), err))
		ri.Finish(time.Now(), 1)
		return nil
	}

	j.Finish(result)
	ri.Finish(time.Now(), 0)
	return nil
}

// Iterate is a no-op: Default never has in-flight asynchronous state.
func (d *Default) Iterate() {}

// CancelJob is a no-op: by the time cancellation could reach a Default
// job, QueueJob has already returned (it runs synchronously).
func (d *Default) CancelJob(job.ID) error { return nil }

// Cleanup is a no-op: Default holds no resources between jobs.
func (d *Default) Cleanup() {}
