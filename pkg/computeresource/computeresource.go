// Package computeresource implements the server side of the Remote Job
// Handler protocol: a Compute Resource accepts connections from any number
// of Job Handlers over feed subfeeds, deduplicates identical in-flight
// work by fingerprint, and mirrors job status back to every handler
// attached to that fingerprint.
//
// One struct owns both the handler-connection table and the
// fingerprint->job table, with a per-unit goroutine-plus-polling-loop
// shape: one goroutine per attached handler connection rather than one
// per container task.
package computeresource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hither-run/hither/pkg/containerrunner"
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/events"
	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/jobcache"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/metrics"
	"github.com/hither-run/hither/pkg/protocol"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

const (
	mainSubfeed         = "main"
	registrySubfeedName = "job_handler_registry"

	defaultPollWaitMsec    = 2000
	defaultKeepAliveWindow = 10 * time.Second
	defaultTickInterval    = 20 * time.Millisecond

	// inlineMaxString / inlineMaxItems implement the smallness predicate
	// for deciding inline Result vs content-store ResultURI.
	inlineMaxString = 1000
	inlineMaxItems  = 3
)

// Config tunes a Resource's polling/liveness behavior. Zero values take the
// documented defaults.
type Config struct {
	PollWaitMsec    int
	KeepAliveWindow time.Duration
	TickInterval    time.Duration

	// Preparer, if set, is consulted before dispatching a containerized job
	// to Inner. Optional: a nil Preparer just skips the preparation step.
	Preparer containerrunner.Preparer
}

func (c Config) withDefaults() Config {
	if c.PollWaitMsec <= 0 || c.PollWaitMsec > 3000 {
		c.PollWaitMsec = defaultPollWaitMsec
	}
	if c.KeepAliveWindow <= 0 {
		c.KeepAliveWindow = defaultKeepAliveWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	return c
}

// connection tracks one attached Job Handler's subfeeds and liveness.
type connection struct {
	uri             string
	handlerFeed     feed.Feed
	inboundFromHand feed.Subfeed // handlerFeed's "main" subfeed: where the handler appends to us
	outboundToHand  feed.Subfeed // our own feed's per-handler-URI subfeed: where we append to it
	lastAlive       time.Time
	stopCh          chan struct{}
}

// trackedJob is one in-flight (or just-terminated, not yet reaped) local
// execution, fanned in to by every handler that asked for the same
// fingerprint while it was running.
type trackedJob struct {
	fingerprint string
	j           *job.Job
	lastStatus  job.Status
	// attached maps a handler's feed URI to the job ID that handler used in
	// its own ADD_JOB message, since each handler names the job by its own
	// local ID.
	attached map[string]string
}

// Resource is a Compute Resource: the server half of the Remote Job
// Handler protocol.
type Resource struct {
	selfFeed    feed.Feed
	registrySub feed.Subfeed
	inner       handler.Handler
	cache       jobcache.Cache
	store       contentstore.Store
	reg         *registry.Registry
	cfg         Config
	broker      *events.Broker

	mu    sync.Mutex
	conns map[string]*connection
	jobs  map[string]*trackedJob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Resource fronting selfFeed (typically created fresh via
// feed.CreateMemFeed or a RaftFeed the caller already started) and
// dispatching accepted work onto inner. reg must already carry every
// function this resource can execute; New additionally registers the
// built-in identity function so the Job Manager's file-resolution pattern
// round-trips over this resource.
func New(selfFeed feed.Feed, inner handler.Handler, store contentstore.Store, reg *registry.Registry, cfg Config) (*Resource, error) {
	registry.RegisterIdentity(reg)
	cfg = cfg.withDefaults()

	registrySub, err := selfFeed.Subfeed(registrySubfeedName)
	if err != nil {
		return nil, fmt.Errorf("computeresource: open registry subfeed: %w", err)
	}

	return &Resource{
		selfFeed:    selfFeed,
		registrySub: registrySub,
		inner:       inner,
		cache:       jobcache.NewFeedCache(selfFeed),
		store:       store,
		reg:         reg,
		cfg:         cfg,
		broker:      events.NewBroker(),
		conns:       make(map[string]*connection),
		jobs:        make(map[string]*trackedJob),
		stopCh:      make(chan struct{}),
	}, nil
}

// URI identifies this resource's feed to Remote Job Handlers.
func (r *Resource) URI() string { return r.selfFeed.URI() }

// Events returns a subscription to this resource's lifecycle event stream
// (job and handler-connection events). Callers must Unsubscribe when done.
func (r *Resource) Events() events.Subscriber { return r.broker.Subscribe() }

func (r *Resource) Unsubscribe(sub events.Subscriber) { r.broker.Unsubscribe(sub) }

// Start begins the registry-tailing parent loop and the reconciliation
// tick loop. Both run until Stop.
func (r *Resource) Start() {
	r.broker.Start()
	r.wg.Add(2)
	go r.registryLoop()
	go r.tickLoop()
}

// Stop halts every loop this resource owns, including per-handler
// connection goroutines, and blocks until they have exited.
func (r *Resource) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		close(c.stopCh)
	}

	r.broker.Stop()
}

// registryLoop tails job_handler_registry for ADD_JOB_HANDLER /
// REMOVE_JOB_HANDLER and spins up or tears down the matching connection.
func (r *Resource) registryLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		msgs, err := r.registrySub.GetNext(context.Background(), r.cfg.PollWaitMsec)
		if err != nil {
			log.Logger.Error().Err(err).Msg("computeresource: tail registry subfeed failed")
			continue
		}
		for _, m := range msgs {
			t, err := protocol.PeekType(m)
			if err != nil {
				continue
			}
			switch t {
			case protocol.TypeAddJobHandler:
				var msg protocol.AddJobHandler
				if protocol.Decode(m, &msg) == nil {
					r.addHandler(msg.JobHandlerURI)
				}
			case protocol.TypeRemoveJobHandler:
				var msg protocol.RemoveJobHandler
				if protocol.Decode(m, &msg) == nil {
					r.removeHandler(msg.JobHandlerURI, "REMOVE_JOB_HANDLER")
				}
			}
		}
	}
}

func (r *Resource) addHandler(uri string) {
	r.mu.Lock()
	if _, exists := r.conns[uri]; exists {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	hf, err := feed.Load(uri)
	if err != nil {
		log.WithHandlerID(uri).Error().Err(err).Msg("computeresource: load handler feed failed")
		return
	}
	inbound, err := hf.Subfeed(mainSubfeed)
	if err != nil {
		log.WithHandlerID(uri).Error().Err(err).Msg("computeresource: open handler main subfeed failed")
		return
	}
	outbound, err := r.selfFeed.Subfeed(uri)
	if err != nil {
		log.WithHandlerID(uri).Error().Err(err).Msg("computeresource: open per-handler outbound subfeed failed")
		return
	}

	c := &connection{
		uri:             uri,
		handlerFeed:     hf,
		inboundFromHand: inbound,
		outboundToHand:  outbound,
		lastAlive:       time.Now(),
		stopCh:          make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[uri] = c
	r.mu.Unlock()

	ack, err := protocol.Encode(protocol.JobHandlerRegistered{Type: protocol.TypeJobHandlerRegistered})
	if err == nil {
		_ = outbound.Append(context.Background(), ack)
	}

	metrics.HandlersConnected.Set(float64(r.connectionCount()))
	log.HandlerConnected(uri)
	r.broker.Publish(&events.Event{Type: events.EventHandlerConnected, Message: uri})

	r.wg.Add(1)
	go r.connectionLoop(c)
}

func (r *Resource) connectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Resource) removeHandler(uri, reason string) {
	r.mu.Lock()
	c, ok := r.conns[uri]
	if ok {
		delete(r.conns, uri)
	}
	for _, tj := range r.jobs {
		if _, attached := tj.attached[uri]; attached {
			delete(tj.attached, uri)
			if len(tj.attached) == 0 {
				_ = r.inner.CancelJob(tj.j.ID())
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	close(c.stopCh)
	metrics.HandlersConnected.Set(float64(r.connectionCount()))
	log.HandlerDisconnected(uri, reason)
	r.broker.Publish(&events.Event{Type: events.EventHandlerDeparted, Message: uri})
}

// connectionLoop tails one attached handler's outbound subfeed for
// ADD_JOB / CANCEL_JOB / REPORT_ALIVE / JOB_HANDLER_FINISHED.
func (r *Resource) connectionLoop(c *connection) {
	defer r.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-r.stopCh:
			return
		default:
		}

		msgs, err := c.inboundFromHand.GetNext(context.Background(), r.cfg.PollWaitMsec)
		if err != nil {
			log.WithHandlerID(c.uri).Error().Err(err).Msg("computeresource: tail handler subfeed failed")
			continue
		}
		for _, m := range msgs {
			r.handleHandlerMessage(c, m)
		}
	}
}

func (r *Resource) handleHandlerMessage(c *connection, m value.Value) {
	t, err := protocol.PeekType(m)
	if err != nil {
		return
	}
	switch t {
	case protocol.TypeAddJob:
		var msg protocol.AddJob
		if protocol.Decode(m, &msg) == nil {
			r.handleAddJob(c, msg)
		}
	case protocol.TypeCancelJob:
		var msg protocol.CancelJob
		if protocol.Decode(m, &msg) == nil {
			r.handleCancelJob(c, msg)
		}
	case protocol.TypeReportAlive:
		r.mu.Lock()
		c.lastAlive = time.Now()
		r.mu.Unlock()
	case protocol.TypeJobHandlerFinished:
		r.removeHandler(c.uri, "JOB_HANDLER_FINISHED")
	}
}

// handleAddJob implements the ADD_JOB algorithm: deserialize, consult the
// memoization subfeed, fan in to an already-running execution for the
// same fingerprint, or hydrate and dispatch a fresh one.
func (r *Resource) handleAddJob(c *connection, msg protocol.AddJob) {
	j, err := job.Deserialize(msg.JobSerialized)
	if err != nil {
		r.sendError(c, msg.JobID, fmt.Sprintf("deserialize job: %v", err), job.Snapshot{})
		return
	}

	fp, err := j.Fingerprint(msg.JobSerialized.Kwargs)
	if err != nil {
		r.sendError(c, msg.JobID, fmt.Sprintf("fingerprint job: %v", err), job.Snapshot{})
		return
	}

	hit, err := r.cache.Lookup(fp, jobcache.LookupOptions{
		ForceRun:     j.ForceRun,
		CacheFailing: j.CacheFailing,
		RerunFailing: j.RerunFailing,
	})
	if err != nil {
		log.WithFingerprint(fp).Error().Err(err).Msg("computeresource: memoization lookup failed")
	} else if hit.Found {
		if hit.Finished {
			r.sendFinished(c, msg.JobID, hit.Result, hit.Runtime)
		} else {
			r.sendError(c, msg.JobID, hit.ErrMsg, hit.Runtime)
		}
		return
	}

	r.mu.Lock()
	if tj, exists := r.jobs[fp]; exists {
		tj.attached[c.uri] = msg.JobID
		r.mu.Unlock()
		metrics.JobsDeduplicatedTotal.Inc()
		r.sendCurrentStatus(c, tj, msg.JobID)
		return
	}
	r.mu.Unlock()

	lookup, ok := r.reg.Lookup(j.FunctionName, j.FunctionVersion)
	if !ok {
		r.sendError(c, msg.JobID, fmt.Sprintf("function %s@%s is not registered on this resource", j.FunctionName, j.FunctionVersion), job.Snapshot{})
		return
	}
	j.Callable = lookup.Callable

	if j.Container != "" && r.cfg.Preparer != nil {
		if err := r.cfg.Preparer.Prepare(context.Background(), j.Container); err != nil {
			r.sendError(c, msg.JobID, fmt.Sprintf("container preparation: %v", err), job.Snapshot{})
			return
		}
	}

	tj := &trackedJob{
		fingerprint: fp,
		j:           j,
		lastStatus:  job.StatusPending,
		attached:    map[string]string{c.uri: msg.JobID},
	}
	r.mu.Lock()
	if existing, exists := r.jobs[fp]; exists {
		existing.attached[c.uri] = msg.JobID
		r.mu.Unlock()
		metrics.JobsDeduplicatedTotal.Inc()
		r.sendCurrentStatus(c, existing, msg.JobID)
		return
	}
	r.jobs[fp] = tj
	r.mu.Unlock()

	j.SetStatus(job.StatusQueued)
	if err := r.inner.QueueJob(j); err != nil {
		j.Fail(job.ExecutionError("enqueue on inner handler", err))
	}
	r.broadcastQueued(tj)
}

func (r *Resource) handleCancelJob(c *connection, msg protocol.CancelJob) {
	r.mu.Lock()
	var tj *trackedJob
	for _, t := range r.jobs {
		if id, ok := t.attached[c.uri]; ok && id == msg.JobID {
			tj = t
			break
		}
	}
	r.mu.Unlock()
	if tj == nil {
		return
	}
	_ = r.inner.CancelJob(tj.j.ID())
}

// tickLoop advances the inner handler, reaps stale connections, and
// mirrors every tracked job's status change to its attached handlers.
func (r *Resource) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Resource) tick() {
	r.inner.Iterate()
	r.reapStaleConnections()

	r.mu.Lock()
	var changed []*trackedJob
	for fp, tj := range r.jobs {
		status := tj.j.Status()
		if status == tj.lastStatus {
			continue
		}
		tj.lastStatus = status
		changed = append(changed, tj)
		if status.Terminal() {
			delete(r.jobs, fp)
		}
	}
	r.mu.Unlock()

	for _, tj := range changed {
		r.notifyAttached(tj)
		if tj.j.Status().Terminal() {
			r.recordMemoization(tj)
		}
	}
}

func (r *Resource) reapStaleConnections() {
	r.mu.Lock()
	var stale []string
	for uri, c := range r.conns {
		if time.Since(c.lastAlive) > r.cfg.KeepAliveWindow {
			stale = append(stale, uri)
		}
	}
	r.mu.Unlock()
	for _, uri := range stale {
		r.removeHandler(uri, "keep-alive window lapsed")
	}
}

func (r *Resource) notifyAttached(tj *trackedJob) {
	attached := r.attachedSnapshot(tj)
	for handlerURI, jobID := range attached {
		c, ok := r.connectionByURI(handlerURI)
		if !ok {
			continue
		}
		switch tj.j.Status() {
		case job.StatusRunning:
			r.sendJobStarted(c, jobID)
			r.broker.Publish(&events.Event{Type: events.EventJobStarted, Message: jobID})
		case job.StatusFinished:
			r.sendFinished(c, jobID, tj.j.Result(), tj.j.RuntimeInfo().Snapshot())
			r.broker.Publish(&events.Event{Type: events.EventJobFinished, Message: jobID})
		case job.StatusError:
			r.sendError(c, jobID, tj.j.Err().Error(), tj.j.RuntimeInfo().Snapshot())
			r.broker.Publish(&events.Event{Type: events.EventJobErrored, Message: jobID})
		}
	}
}

func (r *Resource) broadcastQueued(tj *trackedJob) {
	attached := r.attachedSnapshot(tj)
	for handlerURI, jobID := range attached {
		if c, ok := r.connectionByURI(handlerURI); ok {
			r.sendJobQueued(c, jobID)
			r.broker.Publish(&events.Event{Type: events.EventJobQueued, Message: jobID})
		}
	}
}

func (r *Resource) attachedSnapshot(tj *trackedJob) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(tj.attached))
	for k, v := range tj.attached {
		out[k] = v
	}
	return out
}

func (r *Resource) connectionByURI(uri string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[uri]
	return c, ok
}

func (r *Resource) recordMemoization(tj *trackedJob) {
	state := jobcache.TerminalState{Runtime: tj.j.RuntimeInfo().Snapshot()}
	if tj.j.Status() == job.StatusFinished {
		state.Finished = true
		state.Result = tj.j.Result()
	} else {
		state.ErrMsg = tj.j.Err().Error()
	}
	if err := r.cache.Record(tj.fingerprint, state); err != nil {
		log.WithFingerprint(tj.fingerprint).Error().Err(err).Msg("computeresource: record memoization failed")
	}
}

// sendCurrentStatus mirrors a fan-in handler's view of a job already in
// flight (or just finished) so a late joiner is not stuck observing
// nothing until the next status change.
func (r *Resource) sendCurrentStatus(c *connection, tj *trackedJob, jobID string) {
	switch tj.j.Status() {
	case job.StatusFinished:
		r.sendFinished(c, jobID, tj.j.Result(), tj.j.RuntimeInfo().Snapshot())
	case job.StatusError:
		r.sendError(c, jobID, tj.j.Err().Error(), tj.j.RuntimeInfo().Snapshot())
	case job.StatusRunning:
		r.sendJobStarted(c, jobID)
	default:
		r.sendJobQueued(c, jobID)
	}
}

func (r *Resource) sendJobQueued(c *connection, jobID string) {
	r.send(c, protocol.JobQueued{Type: protocol.TypeJobQueued, JobID: jobID})
}

func (r *Resource) sendJobStarted(c *connection, jobID string) {
	r.send(c, protocol.JobStarted{Type: protocol.TypeJobStarted, JobID: jobID})
}

func (r *Resource) sendError(c *connection, jobID, exception string, runtime job.Snapshot) {
	r.send(c, protocol.JobError{Type: protocol.TypeJobError, JobID: jobID, Exception: exception, Runtime: runtime})
}

// sendFinished applies the inline-vs-URI result policy before appending.
func (r *Resource) sendFinished(c *connection, jobID string, result value.Value, runtime job.Snapshot) {
	msg := protocol.JobFinished{Type: protocol.TypeJobFinished, JobID: jobID, Runtime: runtime}
	if isInlineable(result) {
		msg.Result = result
	} else {
		uri, err := r.store.PutObject(result)
		if err != nil {
			r.sendError(c, jobID, fmt.Sprintf("store result: %v", err), runtime)
			return
		}
		msg.ResultURI = uri
	}
	r.send(c, msg)
}

func (r *Resource) send(c *connection, msg any) {
	enc, err := protocol.Encode(msg)
	if err != nil {
		log.WithHandlerID(c.uri).Error().Err(err).Msg("computeresource: encode outbound message failed")
		return
	}
	if err := c.outboundToHand.Append(context.Background(), enc); err != nil {
		log.WithHandlerID(c.uri).Error().Err(err).Msg("computeresource: append outbound message failed")
	}
}

// isInlineable applies the smallness predicate: a number, a string of at
// most inlineMaxString characters, or a dict/tuple/list of at most
// inlineMaxItems such simple values.
func isInlineable(v value.Value) bool {
	switch v.Kind() {
	case value.KindInt, value.KindFloat, value.KindBool, value.KindNull:
		return true
	case value.KindString:
		s, _ := v.AsString()
		return len(s) <= inlineMaxString
	case value.KindMap:
		m, ok := v.AsMap()
		if !ok || m.Len() > inlineMaxItems {
			return false
		}
		for _, k := range m.Keys() {
			item, _ := m.Get(k)
			if !isSimple(item) {
				return false
			}
		}
		return true
	case value.KindList, value.KindTuple:
		var items []value.Value
		if v.Kind() == value.KindList {
			items, _ = v.AsList()
		} else {
			items, _ = v.AsTuple()
		}
		if len(items) > inlineMaxItems {
			return false
		}
		for _, item := range items {
			if !isSimple(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// isSimple reports whether v is itself a primitive, the constraint the
// smallness predicate places on a dict/tuple/list's member values.
func isSimple(v value.Value) bool {
	switch v.Kind() {
	case value.KindInt, value.KindFloat, value.KindBool, value.KindNull, value.KindString:
		return true
	default:
		return false
	}
}
