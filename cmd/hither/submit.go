package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hither-run/hither/pkg/batchhandler"
	"github.com/hither-run/hither/pkg/config"
	"github.com/hither-run/hither/pkg/containerrunner"
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/job"
	"github.com/hither-run/hither/pkg/jobcache"
	"github.com/hither-run/hither/pkg/jobmanager"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/parallelhandler"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job-file>",
	Short: "Run a serialized job record locally and print its result",
	Long: `submit loads a job.Record (as written by an embedding application)
from a JSON file, dispatches it through a local Job Manager onto the
requested handler kind, and prints the terminal result or error.

Dispatch to a remote Compute Resource is a library-level operation
(pkg/remotehandler against an already-resolvable feed.Feed); this CLI only
demonstrates the local dispatch path, since feed URIs do not resolve across
OS process boundaries without a real feed transport (spec.md's Non-goals).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
		rec, err := job.UnmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("parse job record: %w", err)
		}
		j, err := job.Deserialize(rec)
		if err != nil {
			return fmt.Errorf("deserialize job: %w", err)
		}

		store, err := contentstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open content store: %w", err)
		}
		defer store.Close()

		cache, err := jobcache.OpenBoltCache(cfg.DataDir, store)
		if err != nil {
			return fmt.Errorf("open job cache: %w", err)
		}
		defer cache.Close()

		reg := buildRegistry()
		if fn, ok := reg.Lookup(j.FunctionName, j.FunctionVersion); ok {
			j.Callable = fn.Callable
		}

		var preparer containerrunner.Preparer
		if runner, err := containerrunner.Open(cfg.ContainerdSocket, cfg.ContainerNamespace); err == nil {
			preparer = runner
			defer runner.Close()
		} else {
			log.Logger.Warn().Err(err).Msg("hither submit: containerd unavailable")
		}

		mgr := jobmanager.New(cfg, store, cache, reg, preparer)

		workerPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable path: %w", err)
		}

		handlerKind, _ := cmd.Flags().GetString("handler")
		h, err := buildHandler(handlerKind, cfg, workerPath)
		if err != nil {
			return err
		}
		defer h.Cleanup()

		mgr.Submit(j, h)

		follow, _ := cmd.Flags().GetBool("follow")
		var stopFollow func()
		if follow {
			stopFollow = followConsole(j)
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		waitErr := mgr.Wait(timeout)
		if stopFollow != nil {
			stopFollow()
		}
		if waitErr != nil {
			return waitErr
		}

		return printJobResult(j)
	},
}

func init() {
	submitCmd.Flags().String("handler", "default", "Handler kind to dispatch onto: default, parallel, batch")
	submitCmd.Flags().Bool("follow", false, "Stream console output as the job runs")
	submitCmd.Flags().Duration("timeout", 0, "Overall wait timeout (0 = no timeout)")
}

func buildHandler(kind string, cfg config.Config, workerPath string) (handler.Handler, error) {
	switch kind {
	case "", "default":
		return handler.NewDefault(), nil
	case "parallel":
		return parallelhandler.New(cfg.ParallelPoolSize, workerPath), nil
	case "batch":
		return batchhandler.New(batchhandler.Config{
			MaxAllocations: cfg.BatchMaxAllocations,
			SlotsPerAlloc:  cfg.BatchAllocationSize,
			TimeLimit:      cfg.BatchAllocationLimit,
			WorkerPath:     workerPath,
		}), nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q (want default, parallel, batch)", kind)
	}
}

func printJobResult(j *job.Job) error {
	switch j.Status() {
	case job.StatusFinished:
		data, err := json.MarshalIndent(j.Result(), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	case job.StatusError:
		return fmt.Errorf("job failed: %v", j.Err())
	default:
		return fmt.Errorf("job did not reach a terminal status (status=%s)", j.Status())
	}
}

func followConsole(j *job.Job) func() {
	ctx, cancel := context.WithCancel(context.Background())
	lines, stop := j.RuntimeInfo().Tail(ctx)
	go func() {
		for line := range lines {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", line.Timestamp.Format(time.RFC3339), line.Text)
		}
	}()
	return func() {
		stop()
		cancel()
	}
}
