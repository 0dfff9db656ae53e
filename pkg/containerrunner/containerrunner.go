// Package containerrunner implements the opaque container-runner
// dependency: given a prepared script directory (containing a `run`
// entrypoint), an env file, an input directory, and bind mounts, run it
// inside a named image and report exit code plus timestamped console
// output.
package containerrunner

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// BindMount is one caller-requested bind mount into the container.
type BindMount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// RunSpec describes one job execution.
type RunSpec struct {
	Image     string
	ScriptDir string // contains `run`; mounted at /hither/script
	InputDir  string // mounted at /hither/input
	Env       map[string]string
	Mounts    []BindMount
	Timeout   time.Duration

	// SentinelPath, if set, is polled by the caller's cancellation logic;
	// the runner itself does not poll it (that is the in-container
	// entrypoint's job) but threads it through as an env var
	// ("HITHER_CANCEL_SENTINEL") so a cooperative `run` script can check it.
	SentinelPath string
}

// OutputLine is one timestamped line of captured stdout/stderr.
type OutputLine struct {
	Timestamp time.Time
	Stream    string // "stdout" | "stderr"
	Text      string
}

// RunResult is what a container execution produced.
type RunResult struct {
	ExitCode int
	Output   []OutputLine
}

// Runner executes a prepared job inside a container.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
	Cancel(ctx context.Context, containerID string) error
}

// Preparer pulls an image so a later Run does not pay that cost inline.
// Both the Job Manager (local dispatch) and a Compute Resource (remote
// ADD_JOB hydration) consult one, best-effort, before executing a
// containerized job.
type Preparer interface {
	Prepare(ctx context.Context, image string) error
}

const defaultNamespace = "hither"

// ContainerdRunner implements Runner against a containerd socket.
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
}

// Open connects to containerd at socketPath (empty = containerd default).
func Open(socketPath, namespace string) (*ContainerdRunner, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("containerrunner: connect to containerd: %w", err)
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &ContainerdRunner{client: client, namespace: namespace}, nil
}

func (r *ContainerdRunner) Close() error {
	return r.client.Close()
}

// Run pulls spec.Image if needed, creates a container with the script/input
// bind mounts plus any caller mounts, runs it, and captures stdout/stderr.
func (r *ContainerdRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return RunResult{}, fmt.Errorf("containerrunner: pull image %s: %w", spec.Image, err)
		}
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.SentinelPath != "" {
		env = append(env, "HITHER_CANCEL_SENTINEL="+spec.SentinelPath)
	}

	mounts := []specs.Mount{
		{Source: spec.ScriptDir, Destination: "/hither/script", Type: "bind", Options: []string{"rbind"}},
	}
	if spec.InputDir != "" {
		mounts = append(mounts, specs.Mount{
			Source: spec.InputDir, Destination: "/hither/input", Type: "bind", Options: []string{"rbind", "ro"},
		})
	}
	for _, m := range spec.Mounts {
		opts := []string{"rbind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, specs.Mount{Source: m.Source, Destination: m.Destination, Type: "bind", Options: opts})
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs("/hither/script/run"),
		oci.WithMounts(mounts),
	}

	containerID := fmt.Sprintf("hither-%d", time.Now().UnixNano())
	ctrdContainer, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return RunResult{}, fmt.Errorf("containerrunner: create container: %w", err)
	}
	defer ctrdContainer.Delete(context.Background(), containerd.WithSnapshotCleanup)

	var stdout, stderr bytes.Buffer
	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return RunResult{}, fmt.Errorf("containerrunner: create task: %w", err)
	}
	defer task.Delete(context.Background())

	statusC, err := task.Wait(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("containerrunner: wait task: %w", err)
	}

	startedAt := time.Now()
	if err := task.Start(ctx); err != nil {
		return RunResult{}, fmt.Errorf("containerrunner: start task: %w", err)
	}

	status := <-statusC
	exitCode := int(status.ExitCode())

	return RunResult{
		ExitCode: exitCode,
		Output:   mergeOutput(startedAt, stdout.String(), stderr.String()),
	}, nil
}

// Prepare pulls image if it is not already cached locally.
func (r *ContainerdRunner) Prepare(ctx context.Context, image string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, image); err == nil {
		return nil
	}
	_, err := r.client.Pull(ctx, image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("containerrunner: pull image %s: %w", image, err)
	}
	return nil
}

// Cancel kills a running container's task: SIGTERM, falling back to
// SIGKILL after a grace period. This is the non-sentinel-file cancellation
// path for containers whose entrypoint doesn't poll HITHER_CANCEL_SENTINEL.
func (r *ContainerdRunner) Cancel(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, sigterm); err != nil {
		return fmt.Errorf("containerrunner: kill task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("containerrunner: wait task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, sigkill); err != nil {
			return fmt.Errorf("containerrunner: force kill task: %w", err)
		}
	}
	return nil
}

func mergeOutput(startedAt time.Time, stdout, stderr string) []OutputLine {
	var lines []OutputLine
	for _, l := range splitLines(stdout) {
		lines = append(lines, OutputLine{Timestamp: startedAt, Stream: "stdout", Text: l})
	}
	for _, l := range splitLines(stderr) {
		lines = append(lines, OutputLine{Timestamp: startedAt, Stream: "stderr", Text: l})
	}
	return lines
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
