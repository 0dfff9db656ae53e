package job

import (
	"time"

	"github.com/hither-run/hither/pkg/value"
)

// Ticker is implemented by the Job Manager. Wait never talks to handlers,
// feeds, or the cache directly — it only drives the Manager's cooperative
// tick loop and polls this job's own status, calling the Manager's tick
// function repeatedly with a short sleep between ticks.
type Ticker interface {
	Tick()
	TickInterval() time.Duration
}

// FileResolver loads a File reference's content into memory, used by Wait
// when resolveFiles is requested. The Job Manager supplies its content
// store here.
type FileResolver interface {
	GetBytes(uri string) ([]byte, error)
}

// ErrNoValue is returned by Wait on timeout: the job had not reached a
// terminal status in time.
var ErrNoValue = newError("timeout", "wait timed out before the job reached a terminal status", nil)

// Wait blocks, ticking t, until this job reaches a terminal status or
// timeout elapses. On Finished it returns the result (with File references
// resolved to inline bytes-backed values when resolveFiles is true); on
// Error it returns the stored error.
func (j *Job) Wait(t Ticker, timeout time.Duration, resolveFiles bool, resolver FileResolver) (value.Value, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{} // zero means "no deadline"
	}

	for {
		if j.Status().Terminal() {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return value.Value{}, ErrNoValue
		}
		t.Tick()
		time.Sleep(t.TickInterval())
	}

	if j.Status() == StatusError {
		return value.Value{}, j.Err()
	}

	result := j.Result()
	if !resolveFiles || resolver == nil {
		return result, nil
	}

	resolved, err := resolveResultFiles(result, resolver)
	if err != nil {
		return value.Value{}, err
	}
	return resolved, nil
}

// resolveResultFiles walks result and replaces every File reference with an
// inline string value holding the fetched bytes, failing with
// FileUnavailableError if the content store cannot serve it.
func resolveResultFiles(v value.Value, resolver FileResolver) (value.Value, error) {
	return v.Map(func(item value.Value) (value.Value, error) {
		f, ok := item.AsFile()
		if !ok {
			return item, nil
		}
		data, err := resolver.GetBytes(f.URI)
		if err != nil {
			return value.Value{}, FileUnavailableError(f.URI)
		}
		return value.NewString(string(data)), nil
	})
}
