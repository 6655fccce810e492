package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/logging"
	"github.com/ChuLiYu/rtkernel/internal/procinfo"
	"github.com/ChuLiYu/rtkernel/internal/system"
)

type scenario struct {
	about string
	setup func(cfg *config.Config)
}

var scenarios = map[string]scenario{
	"priority": {
		about: "A spinning task at priority 2 starves everything below it; two equal tasks at 0 would share slices",
		setup: func(cfg *config.Config) {
			cfg.Dispatch.Mode = config.ModeFlat
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "urgent", Kind: "spin", Priority: 2, StackBytes: 2048},
				{Name: "normal", Kind: "spin", Priority: 0, StackBytes: 2048, Count: 2},
				{Name: "background", Kind: "spin", Priority: -1, StackBytes: 2048},
			}
		},
	},
	"roundrobin": {
		about: "Three spinning tasks at the same priority share the CPU one slice at a time",
		setup: func(cfg *config.Config) {
			cfg.Dispatch.Mode = config.ModeFlat
			cfg.Kernel.SliceTicks = 5
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "spin", Kind: "spin", Priority: 1, StackBytes: 2048, Count: 3},
			}
		},
	},
	"fixed": {
		about: "Eight io tasks share two io kworkers; the backlog absorbs bursts and overflow is rejected",
		setup: func(cfg *config.Config) {
			cfg.Dispatch.Mode = config.ModeFixed
			cfg.Dispatch.IOWorkers = 2
			cfg.Dispatch.GeneralWorkers = 1
			cfg.Dispatch.Backlog = 3
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "net", Kind: "io", Priority: 1, StackBytes: 512, Count: 8, OpTicks: 20, AllocBytes: 256},
				{Name: "hash", Kind: "compute", StackBytes: 512, AllocBytes: 128, OpTicks: 5},
			}
		},
	},
	"dynamic": {
		about: "kworkers are spawned on demand up to max_workers and retired after idling",
		setup: func(cfg *config.Config) {
			cfg.Dispatch.Mode = config.ModeDynamic
			cfg.Dispatch.MaxWorkers = 3
			cfg.Dispatch.LowWater = 1
			cfg.Dispatch.IdleGraceTicks = 50
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "net", Kind: "io", Priority: 1, StackBytes: 512, Count: 5, OpTicks: 10, Timeout: 100},
			}
		},
	},
	"quota": {
		about: "io requests charge network buffers to their caller until the ceiling refuses them",
		setup: func(cfg *config.Config) {
			cfg.Monitor.NetMemCeiling = 1024
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "net", Kind: "io", Priority: 1, StackBytes: 512, Count: 4, OpTicks: 10, AllocBytes: 400},
			}
		},
	},
	"pipe": {
		about: "A producer and a consumer exchange lines through a named pipe",
		setup: func(cfg *config.Config) {
			cfg.IPC.PipeBytes = 64
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "producer", Kind: "producer", Priority: 1, StackBytes: 512, Pipe: "telemetry", OpTicks: 2},
				{Name: "consumer", Kind: "consumer", Priority: 2, StackBytes: 512, Pipe: "telemetry", Timeout: 50},
			}
		},
	},
}

func usage() {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Usage: go run cmd/demo/main.go <scenario> [duration]")
	for _, name := range names {
		fmt.Printf("  %-10s %s\n", name, scenarios[name].about)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	sc, ok := scenarios[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Workload.Duration = 2 * time.Second
	if len(os.Args) > 2 {
		d, err := time.ParseDuration(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid duration: %v", err)
		}
		cfg.Workload.Duration = d
	}
	sc.setup(&cfg)

	sys, err := system.New(cfg, system.WithLogger(logging.New(cfg.Log, os.Stderr)))
	if err != nil {
		log.Fatalf("Failed to create system: %v", err)
	}

	fmt.Printf("▶ %s: %s\n", os.Args[1], sc.about)
	fmt.Printf("  running for %s (Ctrl+C to stop early)\n\n", cfg.Workload.Duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runErr := sys.Run(ctx)

	sum := sys.Summary()
	fmt.Printf("📊 Requests: completed=%d faults=%d timeouts=%d rejected=%d over-quota=%d\n",
		sum.Completed, sum.Faults, sum.Timeouts, sum.Rejected, sum.QuotaDenied)
	if sum.BytesWritten > 0 || sum.BytesRead > 0 {
		fmt.Printf("📨 Pipe: written=%d read=%d\n", sum.BytesWritten, sum.BytesRead)
	}
	if ps, ok := sys.PoolStats(); ok {
		fmt.Printf("🔧 Pool %s: workers=%d idle=%d queued=%d\n", ps.Mode, ps.Workers, ps.Idle, ps.Queued)
	}
	fmt.Println()

	if err := procinfo.Render(os.Stdout, sys.Report(), procinfo.RenderOptions{Styled: true}); err != nil {
		log.Fatalf("Failed to render: %v", err)
	}
	if runErr != nil {
		fmt.Printf("\n⚠️  %v\n", runErr)
		os.Exit(1)
	}
}
