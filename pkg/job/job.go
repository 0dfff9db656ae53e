package job

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/value"
)

// Job is a unit of work: identity, status, an argument tree that may embed
// other Jobs (forming the dependency DAG), and, once terminal, a result or
// error plus runtime info.
type Job struct {
	mu sync.RWMutex

	id ID

	FunctionName    string
	FunctionVersion string
	Label           string // supplemented field: a human label carried through Serialize/Deserialize; not otherwise read.

	// Exactly one of Callable (local execution) or CodeURI (remote
	// execution, a content-store reference to transportable code) is set.
	Callable Func
	CodeURI  string

	Kwargs value.Value // a KindMap; may embed value.KindJobRef entries.

	Container string // image reference, or "" for no container.

	JobTimeout time.Duration

	ForceRun            bool
	RerunFailing        bool
	CacheFailing        bool
	NoResolveInputFiles bool
	DownloadResults     bool

	// HandlerID is set once the Manager dispatches this job to a Handler.
	HandlerID string

	status      Status
	result      value.Value
	jobErr      *Error
	runtimeInfo *RuntimeInfo

	fingerprint     string
	fingerprintOnce sync.Once
}

// Func is a locally-registered function body: a resolved Kwargs tree in,
// a result value.Value out. Registered via pkg/registry.
type Func func(kwargs value.Value) (value.Value, error)

// New creates a pending Job with a fresh ID.
func New(functionName, functionVersion string, kwargs value.Value) (*Job, error) {
	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("job: mint id: %w", err)
	}
	return &Job{
		id:              id,
		FunctionName:    functionName,
		FunctionVersion: functionVersion,
		Kwargs:          kwargs,
		status:          StatusPending,
	}, nil
}

func (j *Job) ID() ID { return j.id }

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// SetStatus transitions the job. Per the monotone-status invariant, callers
// must never call this once Status().Terminal() is true.
func (j *Job) SetStatus(s Status) {
	j.mu.Lock()
	from := j.status
	j.status = s
	j.mu.Unlock()
	log.JobTransition(j.id.String(), j.fingerprint, string(from), string(s))
}

// Result returns the job's result value; valid only once Status() == Finished.
func (j *Job) Result() value.Value {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// Err returns the job's error; valid only once Status() == Error.
func (j *Job) Err() *Error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jobErr
}

// Finish sets the job terminal-finished with the given result. Idempotent
// calls after the first are rejected by the monotone-status invariant at
// the Manager layer, not re-checked here.
func (j *Job) Finish(result value.Value) {
	j.mu.Lock()
	from := j.status
	j.result = result
	j.status = StatusFinished
	j.mu.Unlock()
	log.JobTransition(j.id.String(), j.fingerprint, string(from), string(StatusFinished))
}

// Fail sets the job terminal-errored with the given error.
func (j *Job) Fail(err *Error) {
	j.mu.Lock()
	from := j.status
	j.jobErr = err
	j.status = StatusError
	j.mu.Unlock()
	log.JobFailed(j.id.String(), j.fingerprint, string(from), err)
}

// RuntimeInfo returns the job's runtime-info record, creating one on first
// access (a run always produces runtime info).
func (j *Job) RuntimeInfo() *RuntimeInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runtimeInfo == nil {
		j.runtimeInfo = NewRuntimeInfo(time.Now())
	}
	return j.runtimeInfo
}

// ArgumentJobs returns every Job referenced (at any depth) by Kwargs, the
// dependency edges of this job's position in the DAG.
func (j *Job) ArgumentJobs() []ID {
	var ids []ID
	j.Kwargs.Walk(func(v value.Value) {
		if jobIDStr, ok := v.AsJobRef(); ok {
			if id, err := ParseID(jobIDStr); err == nil {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

// ResolveArguments replaces every nested JobRef in Kwargs with the
// referenced job's result, via lookup. It must only be called once every
// referenced job is Finished (the Manager enforces this before dispatch).
func (j *Job) ResolveArguments(lookup func(ID) (*Job, bool)) (value.Value, error) {
	return j.Kwargs.Map(func(v value.Value) (value.Value, error) {
		jobIDStr, ok := v.AsJobRef()
		if !ok {
			return v, nil
		}
		id, err := ParseID(jobIDStr)
		if err != nil {
			return value.Value{}, fmt.Errorf("job: invalid job reference %q: %w", jobIDStr, err)
		}
		dep, ok := lookup(id)
		if !ok {
			return value.Value{}, fmt.Errorf("job: referenced job %s not found", jobIDStr)
		}
		if dep.Status() != StatusFinished {
			return value.Value{}, fmt.Errorf("job: referenced job %s is not finished", jobIDStr)
		}
		return dep.Result(), nil
	})
}

// Fingerprint computes (once) the stable hash over function identity,
// resolved arguments, and the container image. resolvedKwargs
// must already have every JobRef replaced — the Manager resolves arguments
// before fingerprinting.
func (j *Job) Fingerprint(resolvedKwargs value.Value) (string, error) {
	var outerErr error
	j.fingerprintOnce.Do(func() {
		payload := struct {
			FunctionName    string      `json:"function_name"`
			FunctionVersion string      `json:"function_version"`
			Kwargs          value.Value `json:"kwargs"`
			Container       string      `json:"container"`
		}{
			FunctionName:    j.FunctionName,
			FunctionVersion: j.FunctionVersion,
			Kwargs:          resolvedKwargs,
			Container:       j.Container,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			outerErr = fmt.Errorf("job: marshal fingerprint payload: %w", err)
			return
		}
		sum := sha1.Sum(data)
		j.fingerprint = hex.EncodeToString(sum[:])
	})
	if outerErr != nil {
		return "", outerErr
	}
	return j.fingerprint, nil
}
