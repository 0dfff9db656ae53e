package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hither-run/hither/pkg/computeresource"
	"github.com/hither-run/hither/pkg/containerrunner"
	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/feed"
	"github.com/hither-run/hither/pkg/handler"
	"github.com/hither-run/hither/pkg/log"
	"github.com/hither-run/hither/pkg/metrics"
	"github.com/hither-run/hither/pkg/parallelhandler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Compute Resource that accepts jobs from Remote Job Handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		store, err := contentstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open content store: %w", err)
		}
		defer store.Close()

		reg := buildRegistry()

		workerPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable path: %w", err)
		}
		var inner handler.Handler = parallelhandler.New(cfg.ParallelPoolSize, workerPath)

		var preparer containerrunner.Preparer
		if runner, err := containerrunner.Open(cfg.ContainerdSocket, cfg.ContainerNamespace); err == nil {
			preparer = runner
			defer runner.Close()
		} else {
			log.Logger.Warn().Err(err).Msg("hither serve: containerd unavailable, containerized jobs will fail container preparation")
		}

		selfFeed := feed.CreateMemFeed()
		resource, err := computeresource.New(selfFeed, inner, store, reg, computeresource.Config{
			Preparer:     preparer,
			TickInterval: cfg.TickInterval,
		})
		if err != nil {
			return fmt.Errorf("create compute resource: %w", err)
		}
		resource.Start()
		defer resource.Stop()

		fmt.Printf("Compute Resource listening\n")
		fmt.Printf("  Feed URI: %s\n", resource.URI())
		fmt.Printf("  Data dir: %s\n", cfg.DataDir)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("hither serve: metrics server exited")
			}
		}()
		fmt.Printf("  Metrics: http://%s/metrics\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("shutting down...")
		inner.Cleanup()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the /metrics endpoint listens on")
}
