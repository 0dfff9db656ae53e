// Package jobcache implements the content-addressed memoization layer:
// lookup/record by job fingerprint, with a hit/miss policy covering the
// force_run short-circuit, the failing-hit rerun policy, and stale-file
// misses.
package jobcache

import (
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/value"
)

// TerminalState is what gets recorded for a fingerprint: either a finished
// result or an error message, plus the runtime info from that run.
type TerminalState struct {
	Finished bool
	Result   value.Value
	ErrMsg   string
	Runtime  job.Snapshot
}

// Hit is the outcome of Lookup.
type Hit struct {
	Found    bool
	Finished bool
	Result   value.Value
	ErrMsg   string
	Runtime  job.Snapshot
}

// Cache is the memoization layer consulted by the Job Manager and by a
// Compute Resource's memoization subfeed.
type Cache interface {
	Lookup(fingerprint string, opts LookupOptions) (Hit, error)
	Record(fingerprint string, state TerminalState) error
}

// LookupOptions carries the per-job flags that modify cache policy.
type LookupOptions struct {
	ForceRun     bool
	CacheFailing bool
	RerunFailing bool
}

// FileChecker reports whether every File reference nested in a result
// value still exists locally: a finished hit returns miss if any File in
// the cached result is no longer resolvable in the local store.
// contentstore.BoltStore satisfies this via ResolveLocally below.
type FileChecker func(v value.Value) bool

// ResolveLocally builds a FileChecker backed by store.
func ResolveLocally(store *contentstore.BoltStore) FileChecker {
	return func(v value.Value) bool {
		ok := true
		v.Walk(func(item value.Value) {
			if f, isFile := item.AsFile(); isFile {
				if !store.ExistsLocal(f.URI) {
					ok = false
				}
			}
		})
		return ok
	}
}

// applyPolicy implements the shared hit/miss decision (force_run
// short-circuit, failing-hit rerun policy, stale-file miss), independent
// of storage backend.
func applyPolicy(opts LookupOptions, state TerminalState, fileCheck FileChecker) Hit {
	if opts.ForceRun {
		return Hit{Found: false}
	}
	if !state.Finished {
		// errored entry
		if opts.CacheFailing && !opts.RerunFailing {
			return Hit{Found: true, Finished: false, ErrMsg: state.ErrMsg, Runtime: state.Runtime}
		}
		return Hit{Found: false}
	}
	if fileCheck != nil && !fileCheck(state.Result) {
		return Hit{Found: false}
	}
	return Hit{Found: true, Finished: true, Result: state.Result, Runtime: state.Runtime}
}
