// ============================================================================
// Taskpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   poolctl                          # Root command
//   ├── run                         # Start a pool against a worker script
//   │   └── --config, -c           # Specify config file
//   ├── submit                      # Submit one task and print its result
//   │   └── --method, --params-json
//   ├── stats                       # View pool status
//   ├── --version                   # Display version information
//   └── --help                      # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - pool: min/max worker count
//   - worker: the script (path) process-kind workers run, and its args
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts a pool against the configured worker script:
//   1. Load config file
//   2. Create and start the Pool
//   3. Start Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully terminate the pool
//
//   Examples:
//     ./poolctl run
//     ./poolctl run -c custom-config.yaml
//
// submit Command:
//   Submit a single task to a freshly started pool and print its result,
//   useful for smoke-testing a worker script.
//
//   Examples:
//     ./poolctl submit --method add --params-json '[1,2]'
//
// stats Command:
//   Display pool running status:
//   - Config file path
//   - Worker script
//   - Worker/queue counts (if a run is in progress in this process)
//
//   Examples:
//     ./poolctl stats
//
// Signal Handling:
//   run command captures following signals and gracefully terminates:
//   - SIGINT (Ctrl+C): User interrupt
//   - SIGTERM: System terminate request
//
// Metrics Service:
//   If enabled in config, starts HTTP service in separate goroutine:
//   - Path: /metrics
//   - Format: Prometheus format
//
// Error Handling:
//   - Config load failed: Return detailed error information
//   - Pool start failed: Return the error
//   - Task submission failed (submit): Return the error; the one-shot pool
//     is force-terminated either way
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskpool/internal/metrics"
	"github.com/ChuLiYu/taskpool/internal/pool"
	"github.com/ChuLiYu/taskpool/internal/whandle"
	"github.com/ChuLiYu/taskpool/internal/wconn"
)

// Config represents the complete system configuration structure, mapped
// through YAML tags.
type Config struct {
	Pool struct {
		MinWorkers             int `yaml:"min_workers"`
		MaxWorkers             int `yaml:"max_workers"`
		WorkerTerminateTimeout int `yaml:"worker_terminate_timeout_ms"`
	} `yaml:"pool"`

	Worker struct {
		Script string   `yaml:"script"`
		Args   []string `yaml:"args"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	globalPool *pool.Pool
)

// BuildCLI assembles the poolctl root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poolctl",
		Short: "poolctl: run and drive a taskpool against a worker script",
		Long: `poolctl starts a process-kind worker pool and dispatches tasks to it:
- one worker per OS process, speaking the wire protocol over stdio
- FIFO dispatch with crash detection and backoff-governed replacement
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pool and keep it running",
		Long:  "Start the pool against the configured worker script and block until signalled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting taskpool with worker script %s\n", cfg.Worker.Script)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	p, err := newPoolFromConfig(cfg, collector)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	globalPool = p

	if err := p.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("Pool started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("\nReceived shutdown signal, terminating gracefully...")

	if err := p.Terminate(false); err != nil {
		return fmt.Errorf("pool terminate: %w", err)
	}

	log.Println("Pool terminated. Goodbye!")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var method string
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single task and print its result",
		Long:  "Start a pool against the configured worker script, submit one task, print the outcome, and terminate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if method == "" {
				return fmt.Errorf("--method is required")
			}
			return submitOne(method, paramsJSON)
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "method name to invoke on the worker")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "[]", "JSON array of parameters")

	return cmd
}

func submitOne(method, paramsJSON string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var params []any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("failed to parse --params-json: %w", err)
	}

	p, err := newPoolFromConfig(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := p.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	defer p.Terminate(true)

	d := p.Exec(method, params)
	value, execErr := d.Wait()
	if execErr != nil {
		return fmt.Errorf("task failed: %w", execErr)
	}

	out, _ := json.Marshal(value)
	fmt.Println(string(out))
	return nil
}

func buildStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool status",
		Long:  "Display pool configuration and, if a run is in progress, live queue/worker counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStats()
		},
	}
	return cmd
}

func showStats() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n=== taskpool status ===")
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Config File:   %s\n", configFile)
	fmt.Printf("  Worker Script: %s\n", cfg.Worker.Script)
	fmt.Printf("  Min Workers:   %d\n", cfg.Pool.MinWorkers)
	fmt.Printf("  Max Workers:   %d\n", cfg.Pool.MaxWorkers)
	fmt.Println()

	if globalPool != nil {
		stats := globalPool.Stats()
		fmt.Println("Live stats:")
		fmt.Printf("  Workers:     %d (idle %d)\n", stats.Workers, stats.IdleWorkers)
		fmt.Printf("  Queued:      %d\n", stats.QueuedTasks)
		fmt.Printf("  In-Flight:   %d\n", stats.InFlight)
	} else {
		fmt.Println("Live stats: pool not running in this process (run 'poolctl run' to start one)")
	}
	fmt.Println()

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  Status: enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  Status: disabled")
	}
	fmt.Println()
	return nil
}

func newPoolFromConfig(cfg *Config, collector *metrics.Collector) (*pool.Pool, error) {
	maxWorkers := cfg.Pool.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers = pool.MaxWorkersAuto
	}

	spawn := func() (wconn.Conn, whandle.Kind, error) {
		conn, _, err := wconn.NewProcess(cfg.Worker.Script, cfg.Worker.Args, nil)
		if err != nil {
			return nil, whandle.KindProcess, err
		}
		return conn, whandle.KindProcess, nil
	}

	opts := pool.Options{
		MinWorkers: cfg.Pool.MinWorkers,
		MaxWorkers: maxWorkers,
		Spawn:      spawn,
	}
	if cfg.Pool.WorkerTerminateTimeout > 0 {
		opts.WorkerTerminateTimeout = time.Duration(cfg.Pool.WorkerTerminateTimeout) * time.Millisecond
	}
	if collector != nil {
		opts.Metrics = collector
	}

	return pool.New(opts)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
