// ============================================================================
// rtkernel CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for booting the kernel and inspecting it
//
// Command Structure:
//   rtkernel                       # Root command
//   ├── run                        # Boot the kernel with the configured workload
//   │   ├── --mode                 # Override dispatch.mode (dynamic, fixed, flat)
//   │   ├── --duration             # Override workload.duration (0 = until signal)
//   │   ├── --metrics              # Enable the Prometheus endpoint
//   │   ├── --procinfo             # Enable the gRPC introspection endpoint
//   │   └── --dump                 # Write the final report to a JSON file
//   ├── ps                         # Task table of a running kernel
//   │   ├── --addr                 # ProcInfo address
//   │   ├── --file                 # Read a report written by run --dump instead
//   │   ├── --plain                # Disable styling
//   │   └── --json                 # Raw report
//   ├── config                     # Print the effective configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load and validate the config file
//   2. Apply flag overrides
//   3. Boot the system (dispatcher, kernel, workload, endpoints)
//   4. Wait for SIGINT/SIGTERM, the workload duration or a kernel halt
//   5. Print the workload summary and the final task table
//   6. Write the final report atomically when --dump is set
//
//   Examples:
//     ./rtkernel run
//     ./rtkernel run --mode dynamic --duration 5s
//     ./rtkernel run -c configs/default.yaml --procinfo
//
// ps Command:
//   Fetches a snapshot over gRPC and renders it like ps(1):
//     ./rtkernel ps --addr 127.0.0.1:50061
//     ./rtkernel ps --file final.json
//
// Error Handling:
//   - Config load failed: detailed error, nothing started
//   - Kernel halted on a fatal error: summary is printed, the error returned
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/logging"
	"github.com/ChuLiYu/rtkernel/internal/procinfo"
	"github.com/ChuLiYu/rtkernel/internal/system"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rtkernel",
		Short: "rtkernel: a preemptive priority kernel hosted on goroutines",
		Long: `rtkernel runs a real-time kernel core on the host:
- Fixed-priority preemptive scheduling with round-robin slices
- kworker pools (dynamic, fixed or flat) behind a request channel
- Per-task CPU, memory and handle accounting
- Stream buffers and named pipes
- Prometheus metrics and gRPC introspection`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPsCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

type runOptions struct {
	mode     string
	duration time.Duration
	metrics  bool
	procinfo bool
	dump     string
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the kernel with the configured workload",
		Long:  "Boot the kernel, its worker pool and the demo tasks listed under workload.tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := applyOverrides(&cfg, cmd, opts); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, opts.dump, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "", "Dispatch mode: dynamic, fixed, flat")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 = until signal)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Serve Prometheus metrics")
	cmd.Flags().BoolVar(&opts.procinfo, "procinfo", false, "Serve the gRPC introspection endpoint")
	cmd.Flags().StringVar(&opts.dump, "dump", "", "Write the final report to this JSON file")

	return cmd
}

// applyOverrides copies explicitly set flags into cfg and revalidates it.
func applyOverrides(cfg *config.Config, cmd *cobra.Command, opts runOptions) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Dispatch.Mode = config.DispatchMode(opts.mode)
	}
	if flags.Changed("duration") {
		cfg.Workload.Duration = opts.duration
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = opts.metrics
	}
	if flags.Changed("procinfo") {
		cfg.ProcInfo.Enabled = opts.procinfo
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func runSystem(ctx context.Context, cfg config.Config, dumpPath string, out, logOut io.Writer) error {
	log := logging.New(cfg.Log, logOut)

	sys, err := system.New(cfg, system.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create system: %w", err)
	}

	runErr := sys.Run(ctx)

	report := sys.Report()
	printSummary(out, sys)
	if err := procinfo.Render(out, report, procinfo.RenderOptions{}); err != nil {
		return err
	}
	if dumpPath != "" {
		if err := procinfo.NewDump(dumpPath).Write(report); err != nil {
			return err
		}
		log.Info("Report written", "path", dumpPath)
	}
	return runErr
}

func printSummary(w io.Writer, sys *system.System) {
	sum := sys.Summary()
	fmt.Fprintf(w, "uptime %s, %d ticks\n", sys.Uptime().Round(time.Millisecond), sys.Kernel().Now())
	fmt.Fprintf(w, "requests: %d completed, %d faults, %d timeouts, %d rejected, %d over quota\n",
		sum.Completed, sum.Faults, sum.Timeouts, sum.Rejected, sum.QuotaDenied)
	fmt.Fprintf(w, "pipes: %d open, %d bytes written, %d bytes read\n",
		sys.PipeCount(), sum.BytesWritten, sum.BytesRead)
	if ps, ok := sys.PoolStats(); ok {
		fmt.Fprintf(w, "pool %s: %d workers (%d idle, %d busy), %d queued, %d in flight\n",
			ps.Mode, ps.Workers, ps.Idle, ps.Busy, ps.Queued, ps.InFlight)
	}
	fmt.Fprintln(w)
}

func buildPsCommand() *cobra.Command {
	var addr, file string
	var plain, asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "Show the task table of a running kernel",
		Long:  "Fetch a snapshot from a kernel started with --procinfo and print its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				r, err := procinfo.NewDump(file).Load()
				if err != nil {
					return err
				}
				return printReport(cmd.OutOrStdout(), r, plain, asJSON)
			}
			return showTasks(cmd.Context(), cmd.OutOrStdout(), addr, timeout, plain, asJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.Default().ProcInfo.Addr, "ProcInfo address")
	cmd.Flags().StringVar(&file, "file", "", "Read a report dump instead of a live kernel")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colours")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func showTasks(ctx context.Context, w io.Writer, addr string, timeout time.Duration, plain, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := procinfo.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r, err := c.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot from %s: %w", addr, err)
	}
	return printReport(w, r, plain, asJSON)
}

func printReport(w io.Writer, r procinfo.Report, plain, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return procinfo.Render(w, r, procinfo.RenderOptions{Styled: !plain})
}

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the config file over the built-in defaults, validate it and print the result as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.OutOrStdout(), configFile)
		},
	}
	return cmd
}

func showConfig(w io.Writer, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// loadConfig reads path over the defaults. A missing default config file
// is not an error: the built-in defaults apply.
func loadConfig(path string) (config.Config, error) {
	if path == "configs/default.yaml" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}
