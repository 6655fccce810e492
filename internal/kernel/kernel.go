// ============================================================================
// rtkernel Kernel
// ============================================================================
//
// Package: internal/kernel
// File: kernel.go
// Purpose: The single owned kernel state and its lifecycle
//
// Architecture:
//   ┌──────────────┐  Tick()   ┌────────────────────────────────────┐
//   │ tick.Source  │──────────▶│ Kernel (critical section: mu)      │
//   └──────────────┘           │  tcb.Store · sched · monitor       │
//                              │  threads (one goroutine per task)  │
//   tasks ── Context ─────────▶│  onCPU: goroutine holding the CPU  │
//                              └───────────────┬────────────────────┘
//                                              │ Dispatch / OnTick / OnTerminate
//                                              ▼
//                                        Dispatcher (worker pool)
//
// Host port:
//   Every task, worker and the idle task is a goroutine. Exactly one of them
//   holds the CPU at a time. The scheduler only returns decisions; the port
//   acts on them when the running goroutine next enters the kernel (a safe
//   point). A tick that preempts the running task is therefore honored at
//   that task's next kernel entry.
//
// Lifecycle:
//   New -> Spawn* -> Start -> ... -> Stop | Fatal
//
// ============================================================================

package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/monitor"
	"github.com/ChuLiYu/rtkernel/internal/sched"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/internal/tick"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/google/uuid"
)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithTickSource replaces the wall-clock tick source.
func WithTickSource(src tick.Source) Option {
	return func(k *Kernel) { k.src = src }
}

// WithDispatcher installs the worker-pool strategy.
func WithDispatcher(d Dispatcher) Option {
	return func(k *Kernel) { k.disp = d }
}

// WithObserver installs a scheduler event observer.
func WithObserver(o Observer) Option {
	return func(k *Kernel) { k.obs = o }
}

// WithFatalHandler sets a hook run once after a fatal halt.
func WithFatalHandler(fn func(*kerr.FatalError)) Option {
	return func(k *Kernel) { k.onFatal = fn }
}

// Kernel owns all kernel state. Its lifetime starts at New and ends at Stop
// or a fatal halt.
type Kernel struct {
	cfg    config.Config
	log    *slog.Logger
	bootID uuid.UUID

	src     tick.Source
	disp    Dispatcher
	obs     Observer
	onFatal func(*kerr.FatalError)

	// critical section
	mu      sync.Mutex
	store   *tcb.Store
	sched   *sched.Scheduler
	threads []*thread // by TCB slot index
	onCPU   types.Handle
	started bool
	halted  bool
	fatal   *kerr.FatalError

	mon *monitor.Monitor // lock-free

	irq      chan struct{} // wakes a halted idle task
	haltCh   chan struct{}
	done     chan struct{}
	haltOnce sync.Once
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a kernel from cfg. Tasks may be spawned before Start; none
// runs until Start.
func New(cfg config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel configuration: %w", err)
	}

	k := &Kernel{
		cfg:    cfg,
		bootID: uuid.New(),
		obs:    nopObserver{},
		irq:    make(chan struct{}, 1),
		haltCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = slog.Default()
	}
	if k.src == nil {
		k.src = tick.NewClock(cfg.TickPeriod())
	}
	k.log = k.log.With("boot", k.bootID.String())

	k.store = tcb.NewStore(cfg.Kernel.MaxTasks, cfg.Kernel.StackPoolBytes)
	k.sched = sched.New(k.store, sched.Config{
		MinPriority: cfg.MinPriority(),
		MaxPriority: cfg.MaxPriority(),
		SliceTicks:  cfg.Kernel.SliceTicks,
	})
	k.threads = make([]*thread, k.store.Cap())
	k.mon = monitor.New(cfg.Monitor, k.store.Cap(), k.log)

	if err := k.spawnIdle(); err != nil {
		return nil, err
	}
	return k, nil
}

// Start runs the dispatcher's boot work, hands the CPU to the first task and
// starts ticking. Cancelling ctx stops the kernel.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.started || k.halted {
		k.mu.Unlock()
		return fmt.Errorf("kernel start: %w", kerr.ErrHalted)
	}
	k.mu.Unlock()

	if k.disp != nil {
		if err := k.disp.Start(k); err != nil {
			k.halt(nil)
			return fmt.Errorf("dispatcher %s start: %w", k.disp.Mode(), err)
		}
	}

	k.mu.Lock()
	k.started = true
	k.transferLocked(k.sched.Current(), types.NoHandle)
	k.mu.Unlock()

	go k.watch(ctx)
	k.src.Start(k.Tick)

	mode := "none"
	if k.disp != nil {
		mode = k.disp.Mode()
	}
	k.log.Info("kernel started",
		"tick_hz", k.cfg.Kernel.TickHz,
		"priority_levels", k.cfg.Kernel.PriorityLevels,
		"dispatch", mode,
		"tasks", k.store.Len())
	return nil
}

// watch stops the tick source once the kernel halts.
func (k *Kernel) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		k.halt(nil)
	case <-k.haltCh:
	}
	k.src.Stop()

	k.mu.Lock()
	fe := k.fatal
	k.mu.Unlock()
	if fe != nil && k.onFatal != nil {
		k.onFatal(fe)
	}
	k.doneOnce.Do(func() { close(k.done) })
}

// Stop halts the kernel and waits for every task goroutine to exit. Tasks
// that never reach a kernel entry again cannot be stopped.
func (k *Kernel) Stop() {
	k.halt(nil)

	k.mu.Lock()
	started := k.started
	k.mu.Unlock()
	if started {
		<-k.done
	} else {
		k.src.Stop()
		k.doneOnce.Do(func() { close(k.done) })
	}

	k.wg.Wait()
	if k.disp != nil {
		k.disp.Stop()
	}
	k.log.Info("kernel stopped", "ticks", k.Now())
}

// Done is closed once the kernel has halted and ticking stopped.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Err returns the *kerr.FatalError that halted the kernel, or nil.
func (k *Kernel) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fatal == nil {
		return nil
	}
	return k.fatal
}

// Tick is the tick handler: charge the tick, advance the scheduler and wake
// the idle task if the CPU should move.
func (k *Kernel) Tick() {
	k.mu.Lock()
	if k.halted || !k.started {
		k.mu.Unlock()
		return
	}
	if cur := k.sched.Current(); cur == k.sched.Idle() {
		k.mon.OnIdleTick()
	} else {
		k.mon.OnTick(cur)
	}
	d := k.sched.Tick()
	now := k.sched.Now()
	if d.Fault != nil {
		k.fatalLocked("scheduler invariant violated", types.NoHandle, d.Fault)
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	if d.Switch {
		k.kick()
	}
	if k.disp != nil {
		k.disp.OnTick(now)
	}
}

// Now returns the current tick count.
func (k *Kernel) Now() types.Ticks {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Now()
}

// BootID identifies this kernel instance in logs and introspection.
func (k *Kernel) BootID() string { return k.bootID.String() }

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() config.Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *slog.Logger { return k.log }

// Monitor returns the resource monitor.
func (k *Kernel) Monitor() *monitor.Monitor { return k.mon }

// Halted reports whether the kernel has stopped.
func (k *Kernel) Halted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// kick wakes a halted idle task so it re-enters the scheduler.
func (k *Kernel) kick() {
	select {
	case k.irq <- struct{}{}:
	default:
	}
}

// halt stops scheduling and releases every task goroutine.
func (k *Kernel) halt(fe *kerr.FatalError) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.haltLocked(fe)
}

func (k *Kernel) haltLocked(fe *kerr.FatalError) {
	if fe != nil && k.fatal == nil {
		k.fatal = fe
	}
	if k.halted {
		return
	}
	k.halted = true
	for _, th := range k.threads {
		if th != nil {
			th.kill()
		}
	}
	k.haltOnce.Do(func() { close(k.haltCh) })
}
