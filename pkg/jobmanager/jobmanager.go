// Package jobmanager implements the Job Manager: a single-threaded
// cooperative scheduler holding two ordered Job-ID mappings, "queued" and
// "running", advanced by repeated calls to Tick. Each tick prepares
// containers for jobs about to dispatch, resolves dependencies and
// consults the Job Cache before handing work to a Handler, advances every
// referenced Handler once, and reaps terminal jobs into the cache.
//
// Grounded on a run/schedule ticker loop, generalized from a periodic
// service-reconciliation tick to a ~20ms cooperative tick, and on
// pkg/batchhandler's assign/advance/reap tick shape for the three ordered
// phases within a single tick.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hither-run/hither/pkg/config"
	"github.com/hither-run/hither/pkg/containerrunner"
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/jobcache"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/metrics"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

// Manager is the Job Manager.
type Manager struct {
	cfg      config.Config
	store    contentstore.Store
	cache    jobcache.Cache
	reg      *registry.Registry
	preparer containerrunner.Preparer

	mu sync.Mutex

	jobs      map[string]*job.Job
	handlerOf map[string]handler.Handler
	handlers  map[string]handler.Handler

	queuedOrder  []string
	runningOrder []string

	// pendingDownload tracks, for a terminal job awaiting the "substitute
	// identity job" file-download pattern, the identity job standing in
	// for it. Keyed by the original job's ID.
	pendingDownload map[string]*job.Job
}

// New creates a Manager. preparer may be nil if no handler ever dispatches
// a containerized job locally.
func New(cfg config.Config, store contentstore.Store, cache jobcache.Cache, reg *registry.Registry, preparer containerrunner.Preparer) *Manager {
	registry.RegisterIdentity(reg)
	return &Manager{
		cfg:             cfg,
		store:           store,
		cache:           cache,
		reg:             reg,
		preparer:        preparer,
		jobs:            make(map[string]*job.Job),
		handlerOf:       make(map[string]handler.Handler),
		handlers:        make(map[string]handler.Handler),
		pendingDownload: make(map[string]*job.Job),
	}
}

// Submit registers j for dispatch onto h once its dependencies resolve. The
// caller is expected to have already wired j's Kwargs with any job.Value
// JobRef entries to jobs previously submitted to this same Manager.
func (m *Manager) Submit(j *job.Job, h handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := j.ID().String()
	m.jobs[id] = j
	m.handlerOf[id] = h
	m.handlers[h.ID()] = h
	m.queuedOrder = append(m.queuedOrder, id)
}

// Job looks up a previously-submitted job by ID.
func (m *Manager) Job(id job.ID) (*job.Job, bool) {
	return m.lookup(id)
}

func (m *Manager) lookup(id job.ID) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id.String()]
	return j, ok
}

// TickInterval satisfies job.Ticker.
func (m *Manager) TickInterval() time.Duration { return m.cfg.TickInterval }

// Tick satisfies job.Ticker and runs the four ordered phases of the
// scheduling algorithm once.
func (m *Manager) Tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)
	metrics.TickCyclesTotal.Inc()

	m.prepareContainers()
	m.dispatch()
	m.advanceHandlers()
	m.reapTerminals()

	m.mu.Lock()
	metrics.QueuedJobs.Set(float64(len(m.queuedOrder)))
	metrics.RunningJobs.Set(float64(len(m.runningOrder)))
	m.mu.Unlock()
}

// prepareContainers ensures the image for every queued job bound to a
// local (non-remote) handler is pulled, so dispatch doesn't pay the pull
// cost inline. A pull failure fails the job directly.
func (m *Manager) prepareContainers() {
	if m.preparer == nil {
		return
	}
	for _, id := range m.snapshotQueued() {
		j, h := m.jobAndHandler(id)
		if j == nil || j.Status().Terminal() || j.Container == "" {
			continue
		}
		if h == nil || h.IsRemote() {
			continue
		}
		if err := m.preparer.Prepare(context.Background(), j.Container); err != nil {
			j.Fail(job.ContainerPreparationError(j.Container, err))
		}
	}
}

// dispatch walks every queued job once: ancestor errors propagate, jobs
// whose dependencies are all finished resolve arguments, consult the
// cache, and either settle from cache or move to running and queue onto
// their handler. Anything else stays queued.
func (m *Manager) dispatch() {
	var stillQueued []string
	for _, id := range m.snapshotQueued() {
		j, h := m.jobAndHandler(id)
		if j == nil {
			continue
		}
		if j.Status().Terminal() {
			// Failed during container preparation; don't requeue or dispatch.
			continue
		}

		ancestorErr, pending := m.checkDependencies(j.ArgumentJobs())
		if ancestorErr != nil {
			j.Fail(job.DependencyError(ancestorErr.ID().String(), ancestorErr.Err()))
			continue
		}
		if pending {
			stillQueued = append(stillQueued, id)
			continue
		}

		resolved, err := j.ResolveArguments(m.lookup)
		if err != nil {
			j.Fail(job.ExecutionError("resolve job arguments", err))
			continue
		}
		if !j.NoResolveInputFiles {
			resolved, err = m.resolveInputFiles(resolved)
			if err != nil {
				j.Fail(err)
				continue
			}
		}

		fp, err := j.Fingerprint(resolved)
		if err != nil {
			j.Fail(job.ExecutionError("fingerprint job", err))
			continue
		}

		hit, err := m.cache.Lookup(fp, jobcache.LookupOptions{
			ForceRun:     j.ForceRun,
			CacheFailing: j.CacheFailing,
			RerunFailing: j.RerunFailing,
		})
		if err == nil && hit.Found {
			m.settleFromCache(j, hit)
			continue
		}
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

		j.Kwargs = resolved
		if reg, ok := m.reg.Lookup(j.FunctionName, j.FunctionVersion); ok {
			j.Callable = reg.Callable
		}

		m.mu.Lock()
		m.runningOrder = append(m.runningOrder, id)
		m.mu.Unlock()

		kind := "local"
		if h.IsRemote() {
			kind = "remote"
		}
		metrics.JobsDispatchedTotal.WithLabelValues(kind).Inc()

		j.HandlerID = h.ID()
		if err := h.QueueJob(j); err != nil {
			j.Fail(job.ExecutionError("dispatch to handler", err))
		}
	}

	m.mu.Lock()
	m.queuedOrder = stillQueued
	m.mu.Unlock()
}

func (m *Manager) settleFromCache(j *job.Job, hit jobcache.Hit) {
	j.RuntimeInfo().RestoreSnapshot(hit.Runtime)
	if hit.Finished {
		j.Finish(hit.Result)
		metrics.CacheLookupsTotal.WithLabelValues("hit_finished").Inc()
		return
	}
	j.Fail(job.ExecutionError(hit.ErrMsg, nil))
	metrics.CacheLookupsTotal.WithLabelValues("hit_errored").Inc()
}

// checkDependencies inspects a job's argument jobs. An errored ancestor is
// returned immediately (error propagation wins over any other ancestor's
// pending state); otherwise pending is true unless every ancestor is
// finished.
func (m *Manager) checkDependencies(argIDs []job.ID) (errored *job.Job, pending bool) {
	for _, id := range argIDs {
		dep, ok := m.lookup(id)
		if !ok {
			pending = true
			continue
		}
		if dep.Status() == job.StatusError {
			return dep, false
		}
		if dep.Status() != job.StatusFinished {
			pending = true
		}
	}
	return nil, pending
}

// resolveInputFiles replaces File references in v with their local bytes,
// implementing "resolve input files unless no_resolve_input_files".
func (m *Manager) resolveInputFiles(v value.Value) (value.Value, error) {
	return v.Map(func(item value.Value) (value.Value, error) {
		f, ok := item.AsFile()
		if !ok {
			return item, nil
		}
		data, err := m.store.GetBytes(f.URI)
		if err != nil {
			return value.Value{}, job.FileUnavailableError(f.URI)
		}
		return value.NewString(string(data)), nil
	})
}

// advanceHandlers calls Iterate once per tick on every handler referenced
// by a queued or running job. A handler with nothing outstanding is
// expected to return promptly; a remote handler's feed tail may block up
// to the feed layer's bounded wait, an accepted suspension point in the
// tick loop.
func (m *Manager) advanceHandlers() {
	m.mu.Lock()
	seen := make(map[handler.Handler]bool)
	var hs []handler.Handler
	for _, ids := range [][]string{m.queuedOrder, m.runningOrder} {
		for _, id := range ids {
			h := m.handlerOf[id]
			if h == nil || seen[h] {
				continue
			}
			seen[h] = true
			hs = append(hs, h)
		}
	}
	m.mu.Unlock()

	for _, h := range hs {
		h.Iterate()
	}
}

// reapTerminals finalizes every running job that has reached a terminal
// status: it drives the "substitute identity job" download pattern when
// download_results was requested and the result's files aren't yet local,
// writes the cache (unless the job ran on a remote handler, which
// memoizes on its own side), and removes the job from the running set.
func (m *Manager) reapTerminals() {
	var stillRunning []string
	for _, id := range m.snapshotRunning() {
		j, h := m.jobAndHandler(id)
		if j == nil {
			continue
		}

		if idJob, waiting := m.pendingDownloadFor(id); waiting {
			if !idJob.Status().Terminal() {
				stillRunning = append(stillRunning, id)
				continue
			}
			if idJob.Status() == job.StatusFinished {
				j.Finish(idJob.Result())
			}
			m.clearPendingDownload(id)
		}

		if !j.Status().Terminal() {
			stillRunning = append(stillRunning, id)
			continue
		}

		metrics.JobsTerminalTotal.WithLabelValues(string(j.Status())).Inc()

		if j.DownloadResults && j.Status() == job.StatusFinished &&
			h != nil && h.IsRemote() && !m.resultFilesLocal(j.Result()) {
			if idJob := m.queueIdentityDownload(j, h); idJob != nil {
				m.setPendingDownload(id, idJob)
				stillRunning = append(stillRunning, id)
				continue
			}
		}

		if h == nil || !h.IsRemote() {
			m.recordCache(j)
		}
	}

	m.mu.Lock()
	m.runningOrder = stillRunning
	m.mu.Unlock()
}

func (m *Manager) queueIdentityDownload(j *job.Job, h handler.Handler) *job.Job {
	idJob, err := job.New(registry.IdentityFunctionName, registry.IdentityFunctionVersion, registry.NewIdentityKwargs(j.Result()))
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", j.ID().String()).Msg("jobmanager: build identity download job failed")
		return nil
	}
	idJob.DownloadResults = true
	m.Submit(idJob, h)
	return idJob
}

func (m *Manager) resultFilesLocal(v value.Value) bool {
	local := true
	v.Walk(func(item value.Value) {
		if f, ok := item.AsFile(); ok && !m.store.ExistsLocal(f.URI) {
			local = false
		}
	})
	return local
}

func (m *Manager) recordCache(j *job.Job) {
	fp, err := j.Fingerprint(j.Kwargs)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", j.ID().String()).Msg("jobmanager: fingerprint unavailable at reap time")
		return
	}
	state := jobcache.TerminalState{Runtime: j.RuntimeInfo().Snapshot()}
	if j.Status() == job.StatusFinished {
		state.Finished = true
		state.Result = j.Result()
	} else if j.Status() == job.StatusError {
		state.ErrMsg = j.Err().Error()
	} else {
		return // canceled jobs are not memoized
	}
	if err := m.cache.Record(fp, state); err != nil {
		log.Logger.Error().Err(err).Str("job_id", j.ID().String()).Msg("jobmanager: record cache entry failed")
	}
}

// WaitResolveFiles waits for j to reach a terminal status and guarantees
// every File reference in its result satisfies exists_local: if j ran on
// a remote handler and its files aren't local, a built-in identity job is
// queued on the same handler with download_results=true and the wait is
// satisfied by that job instead.
func (m *Manager) WaitResolveFiles(j *job.Job, timeout time.Duration) (value.Value, error) {
	h := m.handlerFor(j.ID())

	if h == nil || !h.IsRemote() {
		return j.Wait(m, timeout, true, m.store)
	}

	if _, err := j.Wait(m, timeout, false, nil); err != nil {
		return value.Value{}, err
	}
	if m.resultFilesLocal(j.Result()) {
		return j.Wait(m, timeout, true, m.store)
	}

	idJob, err := job.New(registry.IdentityFunctionName, registry.IdentityFunctionVersion, registry.NewIdentityKwargs(j.Result()))
	if err != nil {
		return value.Value{}, err
	}
	idJob.DownloadResults = true
	m.Submit(idJob, h)
	return idJob.Wait(m, timeout, true, m.store)
}

// Wait loops Tick until both the queued and running sets (including any
// outstanding identity downloads) are empty, or timeout elapses.
func (m *Manager) Wait(timeout time.Duration) error {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	for {
		if m.idle() {
			return nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return fmt.Errorf("jobmanager: wait timed out after %s", timeout)
		}
		m.Tick()
		time.Sleep(m.cfg.TickInterval)
	}
}

func (m *Manager) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queuedOrder) == 0 && len(m.runningOrder) == 0 && len(m.pendingDownload) == 0
}

func (m *Manager) snapshotQueued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queuedOrder...)
}

func (m *Manager) snapshotRunning() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runningOrder...)
}

func (m *Manager) jobAndHandler(id string) (*job.Job, handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id], m.handlerOf[id]
}

func (m *Manager) handlerFor(id job.ID) handler.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlerOf[id.String()]
}

func (m *Manager) pendingDownloadFor(id string) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.pendingDownload[id]
	return j, ok
}

func (m *Manager) setPendingDownload(id string, idJob *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDownload[id] = idJob
}

func (m *Manager) clearPendingDownload(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingDownload, id)
}
