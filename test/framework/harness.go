// Package framework provides the in-process integration test harness named
// in spec.md §8: an in-memory job cache wired to a jobmanager.Manager with a
// single Default handler and no content store, so a scenario test can submit jobs
// and assert on their outcome without any subprocess or real container
// runtime involved.
//
// Adapted from warren's test/framework: that package stood up a multi-node
// VM/Docker cluster (Manager/Worker/VM/Process) and drove it over the gRPC
// client. A single-process job pipeline has no cluster to stand up, so the
// adaptation keeps the harness's role — one assembled system under test,
// built once per test and torn down with Close — and replaces its content
// entirely with in-process wiring.
package framework

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/config"
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/jobcache"
	"github.com/hither-run/hither/pkg/jobmanager"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

// Harness bundles an in-process Job Manager with a Default handler and a
// shared Job Cache, ready for a scenario test to submit jobs against.
type Harness struct {
	T       *testing.T
	Manager *jobmanager.Manager
	Handler handler.Handler
	Cache   jobcache.Cache
	Reg     *registry.Registry
}

// New assembles a fresh Harness: a MemCache-backed Manager (no content
// store, no container preparer — scenario tests stick to plain functions)
// and a synchronous Default handler, ticking every millisecond.
func New(t *testing.T) *Harness {
	t.Helper()
	cfg := config.Default()
	cfg.TickInterval = time.Millisecond

	reg := registry.New()
	cache := jobcache.NewMemCache()
	var store contentstore.Store
	mgr := jobmanager.New(cfg, store, cache, reg, nil)

	return &Harness{
		T:       t,
		Manager: mgr,
		Handler: handler.NewDefault(),
		Cache:   cache,
		Reg:     reg,
	}
}

// Kwargs builds a value.Value map from alternating key/value pairs, the
// shape every scenario test's job arguments take.
func Kwargs(pairs ...value.Value) value.Value {
	om := value.NewOrderedMap()
	for i := 0; i < len(pairs); i += 2 {
		k, _ := pairs[i].AsString()
		om.Set(k, pairs[i+1])
	}
	return value.NewMap(om)
}

// Submit creates a job bound to fn and queues it on the harness's handler.
func (h *Harness) Submit(name string, fn job.Func, kwargs value.Value) *job.Job {
	h.T.Helper()
	j, err := job.New(name, "1.0", kwargs)
	require.NoError(h.T, err)
	j.Callable = fn
	h.Manager.Submit(j, h.Handler)
	return j
}

// WaitFor blocks until j reaches a terminal status or timeout elapses,
// ticking the Manager itself rather than relying on a caller-run loop.
func (h *Harness) WaitFor(j *job.Job, timeout time.Duration) (value.Value, error) {
	h.T.Helper()
	return j.Wait(h.Manager, timeout, false, nil)
}
