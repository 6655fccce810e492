// ============================================================================
// rtkernel Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: The configuration surface consumed by the kernel core
//
// On a microcontroller these values are build-time constants produced by
// external tooling. The host build reads them from a YAML file instead:
//
//   kernel:    priority levels, tick frequency, task arena, stack budget
//   dispatch:  worker-pool mode (dynamic / fixed / flat) and its sizing
//   ipc:       default stream-buffer and pipe capacities
//   monitor:   CPU / memory / file-usage accounting flags, network ceiling
//   metrics:   Prometheus endpoint
//   procinfo:  gRPC introspection endpoint
//   log:       slog level and format
//   workload:  demo tasks started by `rtkernel run`
//
// Loading:
//   1. Start from Default()
//   2. Overlay the YAML file (missing keys keep their defaults)
//   3. Clamp nonsensical sizes back to defaults
//   4. Validate() reports genuine misconfiguration
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/rtkernel/pkg/types"
	"gopkg.in/yaml.v3"
)

// DispatchMode selects the worker-pool strategy.
type DispatchMode string

const (
	ModeDynamic DispatchMode = "dynamic"
	ModeFixed   DispatchMode = "fixed"
	ModeFlat    DispatchMode = "flat"
)

// PriorityPolicy selects how workers pick their running priority.
type PriorityPolicy string

const (
	// PolicyEqual runs every worker at Dispatch.WorkerPriority.
	PolicyEqual PriorityPolicy = "equal"
	// PolicyInherited raises a worker to its caller's priority for the request.
	PolicyInherited PriorityPolicy = "inherited"
)

// Config represents the complete system configuration structure
type Config struct {
	Kernel   Kernel   `yaml:"kernel"`
	Dispatch Dispatch `yaml:"dispatch"`
	IPC      IPC      `yaml:"ipc"`
	Monitor  Monitor  `yaml:"monitor"`
	Metrics  Metrics  `yaml:"metrics"`
	ProcInfo ProcInfo `yaml:"procinfo"`
	Log      Log      `yaml:"log"`
	Workload Workload `yaml:"workload"`
}

// Kernel holds scheduler and TCB store sizing.
type Kernel struct {
	PriorityLevels int  `yaml:"priority_levels"`  // odd, symmetric range -N..+N
	TickHz         int  `yaml:"tick_hz"`          // scheduling frequency
	SliceTicks     int  `yaml:"slice_ticks"`      // round-robin time slice
	MaxTasks       int  `yaml:"max_tasks"`        // TCB arena capacity (idle and workers included)
	StackPoolBytes int  `yaml:"stack_pool_bytes"` // total bytes available for stacks
	MinStackBytes  int  `yaml:"min_stack_bytes"`  // smallest stack any task may request
	IdleStackBytes int  `yaml:"idle_stack_bytes"`
	IdleHalt       bool `yaml:"idle_halt"` // halt until next interrupt instead of busy-waiting
}

// Dispatch holds worker-pool configuration.
type Dispatch struct {
	Mode              DispatchMode   `yaml:"mode"`
	IOWorkers         int            `yaml:"io_workers"`      // fixed mode
	GeneralWorkers    int            `yaml:"general_workers"` // fixed mode
	MaxWorkers        int            `yaml:"max_workers"`     // dynamic mode
	LowWater          int            `yaml:"low_water"`       // dynamic mode
	IdleGraceTicks    int            `yaml:"idle_grace_ticks"`
	SpawnRetries      int            `yaml:"spawn_retries"`
	WorkerStackBytes  int            `yaml:"worker_stack_bytes"`
	WorkerPriority    int            `yaml:"worker_priority"`
	PriorityPolicy    PriorityPolicy `yaml:"priority_policy"`
	Backlog           int            `yaml:"backlog"`              // queued requests per class
	FlatMinStackBytes int            `yaml:"flat_min_stack_bytes"` // worst-case kernel op depth
}

// IPC holds default buffer capacities.
type IPC struct {
	StreamBufferBytes int `yaml:"stream_buffer_bytes"`
	PipeBytes         int `yaml:"pipe_bytes"`
}

// Monitor holds resource-accounting flags.
type Monitor struct {
	CPULoad       bool  `yaml:"cpu_load"`
	Memory        bool  `yaml:"memory"`
	FileUsage     bool  `yaml:"file_usage"`
	NetMemCeiling int64 `yaml:"net_mem_ceiling"` // 0 = unlimited
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ProcInfo configures the gRPC introspection endpoint.
type ProcInfo struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Workload lists demo tasks for `rtkernel run`.
type Workload struct {
	Duration time.Duration `yaml:"duration"`
	Tasks    []TaskSpec    `yaml:"tasks"`
}

// TaskSpec describes one demo task.
type TaskSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // spin, io, compute, producer, consumer
	Priority   int    `yaml:"priority"`
	StackBytes int    `yaml:"stack_bytes"`
	Count      int    `yaml:"count"`       // replicas
	OpTicks    int    `yaml:"op_ticks"`    // io: ticks a request spends on the worker
	Timeout    int    `yaml:"timeout"`     // io: submit timeout in ticks (0 = none)
	Pipe       string `yaml:"pipe"`        // producer/consumer: pipe name
	AllocBytes int    `yaml:"alloc_bytes"` // io: network bytes charged per request
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Kernel: Kernel{
			PriorityLevels: 7,
			TickHz:         1000,
			SliceTicks:     1,
			MaxTasks:       32,
			StackPoolBytes: 64 * 1024,
			MinStackBytes:  256,
			IdleStackBytes: 256,
			IdleHalt:       true,
		},
		Dispatch: Dispatch{
			Mode:              ModeFixed,
			IOWorkers:         4,
			GeneralWorkers:    1,
			MaxWorkers:        8,
			LowWater:          1,
			IdleGraceTicks:    100,
			SpawnRetries:      3,
			WorkerStackBytes:  2048,
			WorkerPriority:    0,
			PriorityPolicy:    PolicyInherited,
			Backlog:           16,
			FlatMinStackBytes: 2048,
		},
		IPC: IPC{
			StreamBufferBytes: 128,
			PipeBytes:         256,
		},
		Monitor: Monitor{
			CPULoad:   true,
			Memory:    true,
			FileUsage: true,
		},
		Metrics: Metrics{
			Enabled: false,
			Port:    9090,
		},
		ProcInfo: ProcInfo{
			Enabled: false,
			Addr:    "127.0.0.1:50061",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// clamp replaces sizes that cannot mean anything with defaults.
func (c *Config) clamp() {
	def := Default()
	if c.Kernel.TickHz <= 0 {
		c.Kernel.TickHz = def.Kernel.TickHz
	}
	if c.Kernel.SliceTicks <= 0 {
		c.Kernel.SliceTicks = def.Kernel.SliceTicks
	}
	if c.Kernel.MaxTasks <= 0 {
		c.Kernel.MaxTasks = def.Kernel.MaxTasks
	}
	if c.Kernel.IdleStackBytes <= 0 {
		c.Kernel.IdleStackBytes = def.Kernel.IdleStackBytes
	}
	if c.Dispatch.Backlog <= 0 {
		c.Dispatch.Backlog = def.Dispatch.Backlog
	}
	if c.Dispatch.SpawnRetries < 0 {
		c.Dispatch.SpawnRetries = 0
	}
	if c.Dispatch.LowWater < 0 {
		c.Dispatch.LowWater = 0
	}
	if c.IPC.StreamBufferBytes <= 0 {
		c.IPC.StreamBufferBytes = def.IPC.StreamBufferBytes
	}
	if c.IPC.PipeBytes <= 0 {
		c.IPC.PipeBytes = def.IPC.PipeBytes
	}
	if c.Monitor.NetMemCeiling < 0 {
		c.Monitor.NetMemCeiling = 0
	}
}

// Validate reports configuration errors that clamping cannot repair.
func (c Config) Validate() error {
	var errs []error

	if c.Kernel.PriorityLevels < 1 || c.Kernel.PriorityLevels%2 == 0 {
		errs = append(errs, fmt.Errorf("kernel.priority_levels must be a positive odd number, got %d", c.Kernel.PriorityLevels))
	}
	if c.Kernel.StackPoolBytes <= 0 {
		errs = append(errs, errors.New("kernel.stack_pool_bytes must be positive"))
	}
	if c.Kernel.MinStackBytes < 0 {
		errs = append(errs, errors.New("kernel.min_stack_bytes must not be negative"))
	}

	switch c.Dispatch.Mode {
	case ModeFixed:
		if c.Dispatch.IOWorkers < 0 || c.Dispatch.GeneralWorkers < 0 {
			errs = append(errs, errors.New("dispatch worker counts must not be negative"))
		}
		if c.Dispatch.IOWorkers+c.Dispatch.GeneralWorkers == 0 {
			errs = append(errs, errors.New("fixed dispatch needs at least one worker"))
		}
	case ModeDynamic:
		if c.Dispatch.MaxWorkers <= 0 {
			errs = append(errs, errors.New("dispatch.max_workers must be positive in dynamic mode"))
		}
		if c.Dispatch.LowWater > c.Dispatch.MaxWorkers {
			errs = append(errs, errors.New("dispatch.low_water exceeds dispatch.max_workers"))
		}
	case ModeFlat:
		if c.Dispatch.FlatMinStackBytes <= 0 {
			errs = append(errs, errors.New("dispatch.flat_min_stack_bytes must be positive in flat mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode))
	}

	if c.Dispatch.Mode != ModeFlat && c.Dispatch.WorkerStackBytes < c.Kernel.MinStackBytes {
		errs = append(errs, errors.New("dispatch.worker_stack_bytes is below kernel.min_stack_bytes"))
	}
	switch c.Dispatch.PriorityPolicy {
	case PolicyEqual, PolicyInherited:
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.priority_policy %q", c.Dispatch.PriorityPolicy))
	}
	if !c.PriorityInRange(types.Priority(c.Dispatch.WorkerPriority)) {
		errs = append(errs, fmt.Errorf("dispatch.worker_priority %d outside [%d, %d]",
			c.Dispatch.WorkerPriority, c.MinPriority(), c.MaxPriority()))
	}

	return errors.Join(errs...)
}

// MaxPriority is the most urgent configurable priority (+N).
func (c Config) MaxPriority() types.Priority {
	return types.Priority(c.Kernel.PriorityLevels / 2)
}

// MinPriority is the least urgent configurable priority (-N).
func (c Config) MinPriority() types.Priority {
	return -c.MaxPriority()
}

// PriorityInRange reports whether p is a configured priority level.
func (c Config) PriorityInRange(p types.Priority) bool {
	return p >= c.MinPriority() && p <= c.MaxPriority()
}

// TickPeriod is the wall-clock duration of one tick.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.Kernel.TickHz)
}

// DurationToTicks converts d to ticks, rounding up so a non-zero wait never
// becomes zero.
func (c Config) DurationToTicks(d time.Duration) types.Ticks {
	if d <= 0 {
		return 0
	}
	p := c.TickPeriod()
	return types.Ticks((d + p - 1) / p)
}
