// Package remotehandler implements the Remote Job Handler: a feed client
// that dispatches jobs to a Compute Resource and mirrors its reported
// status back onto the local Job. Setup is lazy (first QueueJob creates a
// private handler feed and registers it with the resource); per-job
// traffic rides the handler's own outbound "main" subfeed and the
// resource's per-handler inbound subfeed; poll pacing is adaptive.
//
// Grounded on a tick-driven reconciliation loop (a cooperative Iterate
// call advancing local state one step, never blocking long) combined with
// pkg/feed's subfeed tail primitive for the actual wire exchange.
package remotehandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/protocol"
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

const (
	mainSubfeed         = "main"
	registrySubfeedName = "job_handler_registry"

	minPollMsec         = 100
	maxPollMsec          = 3000 // feed.Subfeed.GetNext clamps wait_msec to 3000ms regardless
	quiescenceThreshold = 60 * time.Second
	keepAliveInterval   = 5 * time.Second
)

// Handler is the Remote Job Handler: dispatches jobs to a Compute Resource
// reached at resourceFeedURI.
type Handler struct {
	resourceFeedURI     string
	store               contentstore.Store
	reg                 *registry.Registry
	registrationTimeout time.Duration

	mu           sync.Mutex
	handlerFeed  feed.Feed
	outbound     feed.Subfeed
	resourceFeed feed.Feed
	inbound      feed.Subfeed
	id           string
	registered   bool
	setupErr     error

	jobs map[string]*job.Job

	lastActionAt  time.Time
	lastKeepAlive time.Time
}

// New creates a Remote Job Handler targeting the Compute Resource at
// resourceFeedURI. store is used to push transportable code ahead of a job
// and to fetch large results by URI; reg supplies TransportableCode for
// functions this handler queues.
func New(resourceFeedURI string, store contentstore.Store, reg *registry.Registry, registrationTimeout time.Duration) *Handler {
	if registrationTimeout <= 0 {
		registrationTimeout = 30 * time.Second
	}
	return &Handler{
		resourceFeedURI:     resourceFeedURI,
		store:               store,
		reg:                 reg,
		registrationTimeout: registrationTimeout,
		jobs:                make(map[string]*job.Job),
	}
}

func (h *Handler) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *Handler) IsRemote() bool { return true }

// ensureSetup performs the lazy registration handshake on first use: fresh
// private feed, ADD_JOB_HANDLER, block for JOB_HANDLER_REGISTERED.
func (h *Handler) ensureSetup() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registered {
		return nil
	}
	if h.setupErr != nil {
		return h.setupErr
	}

	hf := feed.CreateMemFeed()
	h.handlerFeed = hf
	h.id = hf.URI()

	out, err := hf.Subfeed(mainSubfeed)
	if err != nil {
		h.setupErr = err
		return err
	}
	h.outbound = out

	rf, err := feed.Load(h.resourceFeedURI)
	if err != nil {
		h.setupErr = fmt.Errorf("remotehandler: load compute resource feed %s: %w", h.resourceFeedURI, err)
		return h.setupErr
	}
	h.resourceFeed = rf

	reg, err := rf.Subfeed(registrySubfeedName)
	if err != nil {
		h.setupErr = err
		return err
	}

	inbound, err := rf.Subfeed(h.id)
	if err != nil {
		h.setupErr = err
		return err
	}
	h.inbound = inbound

	msg, err := protocol.Encode(protocol.NewAddJobHandler(h.id))
	if err != nil {
		h.setupErr = err
		return err
	}
	if err := reg.Append(context.Background(), msg); err != nil {
		h.setupErr = fmt.Errorf("remotehandler: append ADD_JOB_HANDLER: %w", err)
		return h.setupErr
	}

	if err := h.waitForRegistrationLocked(); err != nil {
		h.setupErr = err
		return err
	}

	h.registered = true
	now := time.Now()
	h.lastActionAt = now
	h.lastKeepAlive = now
	return nil
}

func (h *Handler) waitForRegistrationLocked() error {
	deadline := time.Now().Add(h.registrationTimeout)
	for {
		msgs, err := h.inbound.GetNext(context.Background(), 1000)
		if err != nil {
			return fmt.Errorf("remotehandler: tail registration ack: %w", err)
		}
		for _, m := range msgs {
			if t, err := protocol.PeekType(m); err == nil && t == protocol.TypeJobHandlerRegistered {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return job.RegistrationTimeoutError(h.resourceFeedURI)
		}
	}
}

// QueueJob pushes the job's code to the content store (if not already
// there), appends ADD_JOB to the outbound subfeed, and tracks the job for
// status mirroring in Iterate.
func (h *Handler) QueueJob(j *job.Job) error {
	if err := h.ensureSetup(); err != nil {
		j.Fail(job.RegistrationTimeoutError(h.resourceFeedURI))
		return err
	}

	codeURI := j.CodeURI
	if codeURI == "" {
		if reg, ok := h.reg.Lookup(j.FunctionName, j.FunctionVersion); ok && len(reg.TransportableCode) > 0 {
			uri, err := h.store.PutBytes(reg.TransportableCode)
			if err != nil {
				return fmt.Errorf("remotehandler: push transportable code: %w", err)
			}
			codeURI = uri
		}
	}

	rec, err := j.Serialize(codeURI)
	if err != nil {
		return err
	}

	msg, err := protocol.Encode(protocol.AddJob{
		Type:          protocol.TypeAddJob,
		JobID:         j.ID().String(),
		JobSerialized: rec,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.jobs[j.ID().String()] = j
	outbound := h.outbound
	h.mu.Unlock()

	if err := outbound.Append(context.Background(), msg); err != nil {
		return fmt.Errorf("remotehandler: append ADD_JOB: %w", err)
	}

	h.mu.Lock()
	h.lastActionAt = time.Now()
	h.mu.Unlock()
	return nil
}

// Iterate tails the inbound subfeed at an adaptive pace (~100ms right
// after activity, growing to ~3s after 60s of quiescence) and sends a
// REPORT_ALIVE heartbeat on its own shorter cadence.
func (h *Handler) Iterate() {
	h.mu.Lock()
	if !h.registered {
		h.mu.Unlock()
		return
	}
	inbound := h.inbound
	outbound := h.outbound
	sendKeepAlive := time.Since(h.lastKeepAlive) > keepAliveInterval
	waitMsec := h.pollIntervalLocked()
	h.mu.Unlock()

	if sendKeepAlive {
		if msg, err := protocol.Encode(protocol.ReportAlive{Type: protocol.TypeReportAlive}); err == nil {
			_ = outbound.Append(context.Background(), msg)
		}
		h.mu.Lock()
		h.lastKeepAlive = time.Now()
		h.mu.Unlock()
	}

	msgs, err := inbound.GetNext(context.Background(), waitMsec)
	if err != nil {
		log.WithHandlerID(h.id).Error().Err(err).Msg("remotehandler: tail failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	h.mu.Lock()
	h.lastActionAt = time.Now()
	h.mu.Unlock()

	for _, m := range msgs {
		h.handleMessage(m)
	}
}

func (h *Handler) pollIntervalLocked() int {
	idle := time.Since(h.lastActionAt)
	if idle >= quiescenceThreshold {
		return maxPollMsec
	}
	frac := float64(idle) / float64(quiescenceThreshold)
	return minPollMsec + int(frac*float64(maxPollMsec-minPollMsec))
}

func (h *Handler) handleMessage(m value.Value) {
	t, err := protocol.PeekType(m)
	if err != nil {
		return
	}
	switch t {
	case protocol.TypeJobQueued:
		var msg protocol.JobQueued
		if protocol.Decode(m, &msg) == nil {
			h.setStatus(msg.JobID, job.StatusQueued)
		}
	case protocol.TypeJobStarted:
		var msg protocol.JobStarted
		if protocol.Decode(m, &msg) == nil {
			h.setStatus(msg.JobID, job.StatusRunning)
		}
	case protocol.TypeJobFinished:
		var msg protocol.JobFinished
		if protocol.Decode(m, &msg) == nil {
			h.finishJob(msg)
		}
	case protocol.TypeJobError:
		var msg protocol.JobError
		if protocol.Decode(m, &msg) == nil {
			h.errorJob(msg)
		}
	}
}

func (h *Handler) setStatus(jobID string, status job.Status) {
	h.mu.Lock()
	j, ok := h.jobs[jobID]
	h.mu.Unlock()
	if !ok || j.Status().Terminal() {
		return
	}
	j.SetStatus(status)
}

func (h *Handler) finishJob(msg protocol.JobFinished) {
	h.mu.Lock()
	j, ok := h.jobs[msg.JobID]
	if ok {
		delete(h.jobs, msg.JobID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	result := msg.Result
	if msg.ResultURI != "" {
		v, err := h.store.GetObject(msg.ResultURI)
		if err != nil {
			j.RuntimeInfo().RestoreSnapshot(msg.Runtime)
			j.Fail(job.ExecutionError("fetch remote result", err))
			return
		}
		result = v
	}
	j.RuntimeInfo().RestoreSnapshot(msg.Runtime)
	j.Finish(result)
}

func (h *Handler) errorJob(msg protocol.JobError) {
	h.mu.Lock()
	j, ok := h.jobs[msg.JobID]
	if ok {
		delete(h.jobs, msg.JobID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	j.RuntimeInfo().RestoreSnapshot(msg.Runtime)
	j.Fail(job.ExecutionError(msg.Exception, nil))
}

// CancelJob appends CANCEL_JOB to the outbound subfeed; cancellation is
// observed on the next Compute Resource tick.
func (h *Handler) CancelJob(id job.ID) error {
	h.mu.Lock()
	if !h.registered {
		h.mu.Unlock()
		return nil
	}
	outbound := h.outbound
	h.mu.Unlock()

	msg, err := protocol.Encode(protocol.CancelJob{Type: protocol.TypeCancelJob, JobID: id.String()})
	if err != nil {
		return err
	}
	return outbound.Append(context.Background(), msg)
}

// Cleanup appends JOB_HANDLER_FINISHED so the resource treats this handler
// as departed.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	if !h.registered {
		h.mu.Unlock()
		return
	}
	outbound := h.outbound
	h.mu.Unlock()

	msg, err := protocol.Encode(protocol.JobHandlerFinished{Type: protocol.TypeJobHandlerFinished})
	if err != nil {
		return
	}
	_ = outbound.Append(context.Background(), msg)
}
