// Package parallelhandler implements the bounded worker-subprocess pool
// variant of the Job Handler. Each in-flight job owns one worker
// subprocess connected by a bidirectional pipe; queue_job appends a
// pending record, iterate promotes pending records to running (spawning
// their worker) up to the pool size and polls running workers
// non-blockingly for a terminal message.
//
// Grounded on a per-task goroutine lifecycle (one goroutine per in-flight
// unit of work, advanced by a polling loop), adapted from containerd
// tasks to OS subprocesses connected by stdio pipes, since a Go program
// has no lightweight fork() and the worker protocol here is pipe-based
// either way.
package parallelhandler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/value"
)

// WorkerEntrypoint is the argv[1] sentinel cmd/hither checks for to switch
// into worker mode instead of starting the normal CLI; set here so this
// package and cmd/hither agree on it without an import cycle.
const WorkerEntrypoint = "__hither_worker__"

type localStatus int

const (
	statusPending localStatus = iota
	statusRunning
	statusFinished
	statusErrored
)

// workerMessage is what a worker subprocess writes back to its parent as a
// single line of JSON on stdout.
type workerMessage struct {
	ResultRecord json.RawMessage `json:"result_record,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ConsoleLines []string        `json:"console_lines,omitempty"`
	ExitCode     int             `json:"exit_code"`
}

type record struct {
	j            *job.Job
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdout       *bufio.Reader
	status       localStatus
	cancelFile   string
	resultCh     chan workerMessage
	errCh        chan error
	startedWorker bool
}

// Handler is the Parallel Job Handler: a fixed-size pool of worker
// subprocesses.
type Handler struct {
	id         string
	poolSize   int
	workerPath string // path to the hither binary, re-exec'd in worker mode

	mu      sync.Mutex
	pending []*record
	running []*record
	byID    map[string]*record
}

// New creates a Parallel handler with the given pool size, re-exec'ing
// workerPath (typically os.Args[0]) as the worker subprocess binary.
func New(poolSize int, workerPath string) *Handler {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Handler{
		id:         "parallel-" + uuid.NewString(),
		poolSize:   poolSize,
		workerPath: workerPath,
		byID:       make(map[string]*record),
	}
}

func (h *Handler) ID() string     { return h.id }
func (h *Handler) IsRemote() bool { return false }

// QueueDepth reports the number of jobs this handler currently holds
// (pending plus running), used by pkg/batchhandler to decide whether an
// allocation has a free slot.
func (h *Handler) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) + len(h.running)
}

// QueueJob appends a pending record; the worker is not spawned until
// Iterate promotes it.
func (h *Handler) QueueJob(j *job.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &record{j: j, status: statusPending}
	h.pending = append(h.pending, r)
	h.byID[j.ID().String()] = r
	return nil
}

// Iterate polls running workers non-blockingly and promotes pending
// records while capacity remains: a two-step tick.
func (h *Handler) Iterate() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pollRunningLocked()
	h.promotePendingLocked()
}

func (h *Handler) pollRunningLocked() {
	var stillRunning []*record
	for _, r := range h.running {
		select {
		case msg := <-r.resultCh:
			h.completeLocked(r, msg)
		case err := <-r.errCh:
			// worker died without a terminal message
			r.j.Fail(job.WorkerDiedError())
			r.status = statusErrored
			_ = err
		default:
			stillRunning = append(stillRunning, r)
		}
	}
	h.running = stillRunning
}

func (h *Handler) completeLocked(r *record, msg workerMessage) {
	ri := r.j.RuntimeInfo()
	for _, line := range msg.ConsoleLines {
		ri.AppendLine(line, time.Now())
	}
	ri.Finish(time.Now(), msg.ExitCode)

	if msg.ErrorMessage != "" {
		r.j.Fail(job.ExecutionError(msg.ErrorMessage, nil))
		r.status = statusErrored
		return
	}

	var result jobResultEnvelope
	if err := json.Unmarshal(msg.ResultRecord, &result); err != nil {
		r.j.Fail(job.ExecutionError("malformed worker result", err))
		r.status = statusErrored
		return
	}
	r.j.Finish(result.Result)
	r.status = statusFinished
}

func (h *Handler) promotePendingLocked() {
	for len(h.running) < h.poolSize && len(h.pending) > 0 {
		r := h.pending[0]
		h.pending = h.pending[1:]

		if err := h.spawn(r); err != nil {
			log.WithJobID(r.j.ID().String()).Error().Err(err).Msg("failed to spawn parallel worker")
			r.j.Fail(job.ExecutionError("failed to spawn worker", err))
			r.status = statusErrored
			continue
		}
		r.status = statusRunning
		r.j.SetStatus(job.StatusRunning)
		h.running = append(h.running, r)
	}
}

// jobResultEnvelope is the worker's success payload.
type jobResultEnvelope struct {
	Result value.Value `json:"result"`
}

// CancelJob best-effort terminates a job: writes the cancellation sentinel
// file if one was agreed (containerized runs poll it), otherwise kills the
// worker process outright.
func (h *Handler) CancelJob(id job.ID) error {
	h.mu.Lock()
	r, ok := h.byID[id.String()]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if r.cancelFile != "" {
		f, err := os.Create(r.cancelFile)
		if err != nil {
			return fmt.Errorf("parallelhandler: write cancel sentinel: %w", err)
		}
		return f.Close()
	}

	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	r.j.RuntimeInfo().MarkCancelled()
	r.j.Fail(job.CancelledError())
	return nil
}

// Cleanup cancels every in-flight job and releases worker resources.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.running {
		if r.cmd != nil && r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		if !r.j.Status().Terminal() {
			r.j.RuntimeInfo().MarkCancelled()
			r.j.Fail(job.CancelledError())
		}
	}
	for _, r := range h.pending {
		r.j.Fail(job.CancelledError())
	}
	h.pending = nil
	h.running = nil
	h.byID = make(map[string]*record)
}

// spawn starts the worker subprocess for r and arranges for its terminal
// message (or death) to arrive on r.resultCh / r.errCh.
func (h *Handler) spawn(r *record) error {
	rec, err := r.j.Serialize("")
	if err != nil {
		return err
	}
	payload, err := job.MarshalRecord(rec)
	if err != nil {
		return err
	}

	cmd := exec.Command(h.workerPath, WorkerEntrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReader(stdout)
	r.resultCh = make(chan workerMessage, 1)
	r.errCh = make(chan error, 1)
	r.startedWorker = true

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write job to worker: %w", err)
	}

	go h.readWorker(r)
	return nil
}

// readWorker reads exactly one JSON line from the worker's stdout (the
// terminal message), then waits for the process to exit. If the process
// exits before producing a terminal message, errCh receives the reason:
// a worker that dies without sending a terminal message marks the job
// error(worker died).
func (h *Handler) readWorker(r *record) {
	line, err := r.stdout.ReadString('\n')
	waitErr := r.cmd.Wait()

	if err != nil {
		if waitErr != nil {
			r.errCh <- fmt.Errorf("worker exited: %w", waitErr)
		} else {
			r.errCh <- fmt.Errorf("worker closed stdout without a terminal message")
		}
		return
	}

	var msg workerMessage
	if jsonErr := json.Unmarshal([]byte(line), &msg); jsonErr != nil {
		r.errCh <- fmt.Errorf("malformed worker message: %w", jsonErr)
		return
	}
	r.resultCh <- msg
}
