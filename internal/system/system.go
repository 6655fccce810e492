// ============================================================================
// rtkernel System - boot coordinator
// ============================================================================
//
// Package: internal/system
// File: system.go
// Purpose: Assemble a running kernel from one Config
//
// Boot order:
//   1. Prometheus registry + event Collector
//   2. Dispatcher (worker.New) with the Collector as observer
//   3. Kernel (kernel.New) with dispatcher, observer and tick source
//   4. StateCollector over Kernel.Snapshot
//   5. Workload tasks (workload.Spawn)
//
// Start:
//   - /metrics HTTP endpoint when metrics.enabled
//   - ProcInfo gRPC endpoint when procinfo.enabled
//   - Kernel.Start (dispatcher boot work, first task, tick source)
//
// Shutdown (Stop, idempotent):
//   1. ProcInfo GracefulStop
//   2. Metrics HTTP Shutdown
//   3. Kernel.Stop (halts, joins task goroutines, releases the dispatcher)
//
// A fatal kernel error halts the kernel on its own; Run then returns the
// *kerr.FatalError after shutting the endpoints down.
//
// ============================================================================

package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/internal/metrics"
	"github.com/ChuLiYu/rtkernel/internal/procinfo"
	"github.com/ChuLiYu/rtkernel/internal/tick"
	"github.com/ChuLiYu/rtkernel/internal/worker"
	"github.com/ChuLiYu/rtkernel/internal/workload"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *System) { s.log = l }
}

// WithTickSource replaces the wall-clock tick source.
func WithTickSource(src tick.Source) Option {
	return func(s *System) { s.src = src }
}

// System owns a kernel, its dispatcher, the demo workload and the
// introspection endpoints.
type System struct {
	cfg config.Config
	log *slog.Logger
	src tick.Source

	reg    *prometheus.Registry
	kernel *kernel.Kernel
	disp   kernel.Dispatcher
	env    *workload.Env

	metricsSrv *http.Server
	metricsLis net.Listener
	procSrv    *procinfo.Server
	procLis    net.Listener

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// New builds the system and spawns the configured workload. Nothing runs
// until Start.
func New(cfg config.Config, opts ...Option) (*System, error) {
	s := &System{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.reg = prometheus.NewRegistry()
	coll := metrics.NewCollector(s.reg)

	disp, err := worker.New(cfg.Dispatch, worker.WithLogger(s.log), worker.WithObserver(coll))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	s.disp = disp

	kopts := []kernel.Option{
		kernel.WithLogger(s.log),
		kernel.WithDispatcher(disp),
		kernel.WithObserver(coll),
		kernel.WithFatalHandler(func(fe *kerr.FatalError) {
			s.log.Error("kernel halted", "reason", fe.Reason, "err", fe)
		}),
	}
	if s.src != nil {
		kopts = append(kopts, kernel.WithTickSource(s.src))
	}
	k, err := kernel.New(cfg, kopts...)
	if err != nil {
		return nil, err
	}
	s.kernel = k
	s.reg.MustRegister(metrics.NewStateCollector(k.Snapshot))

	s.env = workload.NewEnv(cfg.IPC.PipeBytes, s.log)
	if _, err := workload.Spawn(k, s.env, cfg.Workload.Tasks); err != nil {
		k.Stop()
		return nil, fmt.Errorf("failed to spawn workload: %w", err)
	}
	return s, nil
}

// Start opens the enabled endpoints and starts the kernel.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("system already started")
	}
	s.started = true
	s.startTime = time.Now()
	s.mu.Unlock()

	if s.cfg.Metrics.Enabled {
		if err := s.startMetrics(); err != nil {
			s.Stop()
			return err
		}
	}
	if s.cfg.ProcInfo.Enabled {
		if err := s.startProcInfo(); err != nil {
			s.Stop()
			return err
		}
	}

	if err := s.kernel.Start(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	s.log.Info("System started",
		"dispatch", s.disp.Mode(),
		"tasks", len(s.kernel.Snapshot().Tasks),
		"boot", s.kernel.BootID())
	return nil
}

func (s *System) startMetrics() error {
	srv := metrics.NewServer(s.cfg.Metrics.Port, s.reg)
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", srv.Addr, err)
	}
	s.metricsSrv, s.metricsLis = srv, lis

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server error", "err", err)
		}
	}()
	s.log.Info("Metrics server listening", "addr", lis.Addr().String())
	return nil
}

func (s *System) startProcInfo() error {
	lis, err := net.Listen("tcp", s.cfg.ProcInfo.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for procinfo on %s: %w", s.cfg.ProcInfo.Addr, err)
	}
	srv := procinfo.NewServer(s.kernel.Snapshot, s.log)
	s.procSrv, s.procLis = srv, lis

	go func() {
		if err := srv.Serve(lis); err != nil {
			s.log.Error("ProcInfo server error", "err", err)
		}
	}()
	s.log.Info("ProcInfo server listening", "addr", lis.Addr().String())
	return nil
}

// Run starts the system and blocks until ctx is cancelled, the configured
// workload duration elapses or the kernel halts. It returns the fatal error
// that halted the kernel, if any.
func (s *System) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if d := s.cfg.Workload.Duration; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-ctx.Done():
		s.log.Info("Received shutdown signal, stopping gracefully")
	case <-deadline:
		s.log.Info("Workload duration elapsed", "duration", s.cfg.Workload.Duration)
	case <-s.kernel.Done():
	}

	s.Stop()
	return s.kernel.Err()
}

// Stop shuts the endpoints down and halts the kernel. It is safe to call
// more than once.
func (s *System) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.procSrv != nil {
		s.procSrv.Stop()
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.log.Warn("Metrics server shutdown", "err", err)
		}
		cancel()
	}
	s.kernel.Stop()

	s.log.Info("System stopped", "uptime", s.Uptime(), "ticks", s.kernel.Now())
}

// Kernel returns the running kernel.
func (s *System) Kernel() *kernel.Kernel { return s.kernel }

// Registry returns the Prometheus registry holding every rtkernel metric.
func (s *System) Registry() *prometheus.Registry { return s.reg }

// Summary returns the workload counters.
func (s *System) Summary() workload.Summary { return s.env.Stats.Summary() }

// PipeCount returns the number of named pipes opened by the workload.
func (s *System) PipeCount() int { return s.env.Pipes.Len() }

// PoolStats returns worker-pool counters; ok is false in flat mode.
func (s *System) PoolStats() (worker.Stats, bool) {
	p, ok := s.disp.(*worker.Pool)
	if !ok {
		return worker.Stats{}, false
	}
	return p.Stats(), true
}

// Report returns the current kernel state in its introspection form.
func (s *System) Report() procinfo.Report {
	return procinfo.FromSnapshot(s.kernel.Snapshot())
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *System) MetricsAddr() string {
	if s.metricsLis == nil {
		return ""
	}
	return s.metricsLis.Addr().String()
}

// ProcInfoAddr returns the bound procinfo address, or "" when disabled.
func (s *System) ProcInfoAddr() string {
	if s.procLis == nil {
		return ""
	}
	return s.procLis.Addr().String()
}

// Uptime returns the time since Start.
func (s *System) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
