// Package config replaces hither's original context-manager configuration
// stack (a dynamically-scoped stack of config frames pushed by `with
// hi.Config(...):` blocks) with a single immutable value threaded explicitly
// into the Job Manager and the CLI. Jobs do not read it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is consulted by the Job Manager and by the CLI when it builds
// handlers; it is not copied onto Jobs. It is never mutated after Load returns.
type Config struct {
	// DataDir holds the bbolt databases backing the content store and job
	// cache, and the Raft log/snapshot directories for feed-backed resources.
	DataDir string `yaml:"data_dir"`

	// JobTimeout is a per-job timeout setting (zero means no timeout). It is
	// not applied to Jobs: a Job's own JobTimeout defaults to zero.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// TickInterval is the Job Manager's cooperative poll interval (~20ms).
	TickInterval time.Duration `yaml:"tick_interval"`

	// ParallelPoolSize is the worker-subprocess pool size for the Parallel handler.
	ParallelPoolSize int `yaml:"parallel_pool_size"`

	// BatchAllocationSize (K) is the per-allocation worker pool size for the
	// batch/allocation handler; BatchMaxAllocations (M) bounds how many
	// allocations may coexist.
	BatchAllocationSize  int `yaml:"batch_allocation_size"`
	BatchMaxAllocations  int `yaml:"batch_max_allocations"`
	BatchAllocationLimit time.Duration `yaml:"batch_allocation_time_limit"`

	// BatchIdleGracePeriod is an idle grace period setting (~2 seconds). The
	// batch handler does not read it; it always uses batchhandler.IdleGrace.
	BatchIdleGracePeriod time.Duration `yaml:"batch_idle_grace_period"`

	// CacheFailing and RerunFailing are job flag settings. They are not
	// copied onto Jobs, whose own flags default to false.
	CacheFailing bool `yaml:"cache_failing"`
	RerunFailing bool `yaml:"rerun_failing"`

	// DownloadResults is a download setting. It is not copied onto Jobs;
	// Job.DownloadResults defaults to false.
	DownloadResults bool `yaml:"download_results"`

	// RemoteRegistrationTimeout bounds how long a Remote Job Handler waits
	// for JOB_HANDLER_REGISTERED before failing.
	RemoteRegistrationTimeout time.Duration `yaml:"remote_registration_timeout"`

	// ContainerNamespace is the containerd namespace jobs are run under.
	ContainerNamespace string `yaml:"container_namespace"`

	// ContainerdSocket is the containerd socket path (empty = default).
	ContainerdSocket string `yaml:"containerd_socket"`
}

// Default returns the configuration used when no file/env override is given.
func Default() Config {
	return Config{
		DataDir:                   "./hither-data",
		JobTimeout:                0,
		TickInterval:              20 * time.Millisecond,
		ParallelPoolSize:          4,
		BatchAllocationSize:       8,
		BatchMaxAllocations:       4,
		BatchAllocationLimit:      30 * time.Minute,
		BatchIdleGracePeriod:      2 * time.Second,
		CacheFailing:              false,
		RerunFailing:              false,
		DownloadResults:           false,
		RemoteRegistrationTimeout: 30 * time.Second,
		ContainerNamespace:        "hither",
		ContainerdSocket:          "",
	}
}

// Load reads a YAML config file on top of Default, then applies environment
// variable overrides (HITHER_DATA_DIR and HITHER_CONTAINERD_SOCKET). An
// empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("tick_interval must be positive")
	}
	if cfg.ParallelPoolSize <= 0 {
		return Config{}, fmt.Errorf("parallel_pool_size must be positive")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HITHER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HITHER_CONTAINERD_SOCKET"); v != "" {
		cfg.ContainerdSocket = v
	}
}
