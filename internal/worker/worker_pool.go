// ============================================================================
// rtkernel Worker Pool - kworker dispatch
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Execute kernel operations on dedicated worker tasks
//
// Modes:
//   fixed:   io_workers + general_workers created at start, never retired.
//            Requests wait in a bounded per-class backlog when every worker
//            of their class is busy. A corrupted or killed worker halts the
//            kernel.
//   dynamic: workers created on demand up to max_workers, retired after
//            idle_grace_ticks down to low_water. No backlog: a request that
//            finds no idle worker and no room to grow is rejected.
//
// Architecture:
//   ┌──────────────┐ Dispatch()  ┌────────────────┐  assign   ┌──────────┐
//   │ caller task  │ ──────────→ │ requestChannel │ ────────→ │ kworker  │
//   │ (Park)       │ ←────────── │ (1 slot/task)  │ ←──────── │ (Park)   │
//   └──────────────┘   Notify    └────────────────┘  complete └──────────┘
//                                        │ no idle worker (fixed)
//                                        ↓
//                                 backlog[class]
//
// Concurrency:
//   - Pool.mu guards every field below it in Pool plus Worker/inflight state
//   - lock order Pool.mu -> kernel critical section; the pool never parks a
//     task while holding Pool.mu
//
// Priority:
//   - equal:     workers run at dispatch.worker_priority
//   - inherited: a worker is raised to max(base, caller) before it is woken
//                and restored when the request completes
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Option configures a dispatcher.
type Option func(*options)

type options struct {
	log *slog.Logger
	obs Observer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver receives pool events, typically the metrics collector.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.obs = obs }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default(), obs: nopObserver{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// New returns the dispatcher selected by cfg.Mode.
func New(cfg config.Dispatch, opts ...Option) (kernel.Dispatcher, error) {
	switch cfg.Mode {
	case config.ModeFlat:
		return NewFlat(cfg, opts...), nil
	case config.ModeFixed, config.ModeDynamic:
		return NewPool(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("dispatch mode %q: %w", cfg.Mode, kerr.ErrInvalidArgument)
	}
}

type workerSlot struct {
	w   *Worker
	gen uint32
}

// Pool is the fixed and dynamic dispatcher.
type Pool struct {
	mode config.DispatchMode
	cfg  config.Dispatch
	log  *slog.Logger
	obs  Observer

	mu       sync.Mutex
	k        *kernel.Kernel
	started  bool
	stopped  bool
	slots    []workerSlot // worker arena
	byTask   map[types.Handle]*Worker
	idle     [types.NumClasses][]*Worker // FIFO
	count    [types.NumClasses]int
	spawning int
	backlog  [types.NumClasses]*backlog
	channel  *requestChannel
	seq      uint64
}

// NewPool creates a pool for cfg.Mode (fixed or dynamic). Workers are
// created when the kernel starts the pool.
func NewPool(cfg config.Dispatch, opts ...Option) *Pool {
	o := buildOptions(opts)
	p := &Pool{
		mode:   cfg.Mode,
		cfg:    cfg,
		log:    o.log.With("component", "kworker", "mode", string(cfg.Mode)),
		obs:    o.obs,
		byTask: make(map[types.Handle]*Worker),
	}
	arena := cfg.MaxWorkers
	if cfg.Mode == config.ModeFixed {
		arena = cfg.IOWorkers + cfg.GeneralWorkers
	}
	p.slots = make([]workerSlot, arena)
	byPriority := cfg.PriorityPolicy == config.PolicyInherited
	for c := range p.backlog {
		p.backlog[c] = newBacklog(cfg.Backlog, byPriority)
	}
	return p
}

// Mode names the strategy.
func (p *Pool) Mode() string { return string(p.mode) }

// MinCallerStack is the kernel minimum: callers never run operations.
func (p *Pool) MinCallerStack() int { return 0 }

// Start binds the pool to k and, in fixed mode, creates every worker.
func (p *Pool) Start(k *kernel.Kernel) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.k = k
	p.started = true
	p.channel = newRequestChannel(k.Config().Kernel.MaxTasks)
	p.mu.Unlock()

	if p.mode != config.ModeFixed {
		p.log.Info("worker pool started", "max_workers", p.cfg.MaxWorkers, "low_water", p.cfg.LowWater)
		return nil
	}

	plan := []struct {
		class types.OpClass
		n     int
	}{
		{types.ClassIO, p.cfg.IOWorkers},
		{types.ClassGeneral, p.cfg.GeneralWorkers},
	}
	for _, c := range plan {
		for i := 0; i < c.n; i++ {
			w, err := p.spawnWorker(c.class)
			if err != nil {
				return fmt.Errorf("spawn %s worker %d: %w", c.class, i, err)
			}
			p.mu.Lock()
			p.idle[w.Class] = append(p.idle[w.Class], w)
			p.mu.Unlock()
		}
	}
	p.log.Info("worker pool started", "io_workers", p.cfg.IOWorkers, "general_workers", p.cfg.GeneralWorkers)
	return nil
}

// Dispatch runs req on a worker and parks the caller until it completes.
// Exclusivity covers the request the caller is waiting on: after a timeout
// while running, the abandoned request finishes on its worker while the
// caller is already free to submit again.
func (p *Pool) Dispatch(ctx *kernel.Context, req kernel.Request, timeout types.Ticks) (kernel.Response, error) {
	class := req.Op.Class
	prio := ctx.Priority()
	now := ctx.Now()

	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return p.reject(req, class, "closed", err)
	}
	p.seq++
	inf := &inflight{
		seq:        p.seq,
		caller:     ctx.Handle(),
		callerPrio: prio,
		class:      class,
		route:      p.routeLocked(class),
		req:        req,
		submitted:  now,
	}
	if err := p.channel.bind(inf.caller, inf); err != nil {
		p.mu.Unlock()
		return p.reject(req, class, "in_flight", err)
	}
	p.obs.RequestSubmitted(string(p.mode), class)

	if w := p.popIdleLocked(inf.route); w != nil {
		p.assignLocked(w, inf)
		p.mu.Unlock()
		return p.await(ctx, inf, timeout)
	}

	if p.mode == config.ModeFixed {
		if !p.backlog[inf.route].push(inf) {
			p.channel.release(inf.caller, inf)
			p.mu.Unlock()
			return p.reject(req, class, "backlog_full",
				fmt.Errorf("%s backlog full (%d queued): %w", inf.route, p.cfg.Backlog, kerr.ErrWorkerUnavailable))
		}
		p.mu.Unlock()
		return p.await(ctx, inf, timeout)
	}

	if p.liveLocked()+p.spawning >= p.cfg.MaxWorkers {
		p.channel.release(inf.caller, inf)
		p.mu.Unlock()
		return p.reject(req, class, "pool_exhausted",
			fmt.Errorf("all %d workers busy: %w", p.cfg.MaxWorkers, kerr.ErrWorkerUnavailable))
	}
	p.spawning++
	p.mu.Unlock()

	var deadline types.Ticks
	if timeout > 0 {
		deadline = inf.submitted + timeout
	}
	w, err := p.grow(ctx, inf.route, deadline)

	p.mu.Lock()
	if err != nil {
		p.channel.release(inf.caller, inf)
		p.mu.Unlock()
		if errors.Is(err, kerr.ErrTimeout) {
			return p.reject(req, class, "timeout", err)
		}
		return p.reject(req, class, "spawn_failed",
			fmt.Errorf("spawn worker: %w: %w", kerr.ErrWorkerUnavailable, err))
	}
	if p.stopped {
		p.retireLocked(w, "stopped")
		p.channel.release(inf.caller, inf)
		p.mu.Unlock()
		return p.reject(req, class, "closed", fmt.Errorf("%w: %w", kerr.ErrWorkerUnavailable, ErrPoolClosed))
	}
	p.assignLocked(w, inf)
	p.mu.Unlock()
	return p.await(ctx, inf, timeout)
}

// await parks the caller until inf completes or the deadline passes.
func (p *Pool) await(ctx *kernel.Context, inf *inflight, timeout types.Ticks) (kernel.Response, error) {
	var deadline types.Ticks
	if timeout > 0 {
		deadline = inf.submitted + timeout
	}
	for {
		p.mu.Lock()
		if inf.state == stateDone {
			resp, err := inf.resp, inf.err
			p.channel.release(inf.caller, inf)
			p.mu.Unlock()
			return resp, err
		}
		p.mu.Unlock()

		var wait types.Ticks
		if deadline > 0 {
			now := ctx.Now()
			if now >= deadline {
				break
			}
			wait = deadline - now
		}
		if err := ctx.Park(wait); errors.Is(err, kerr.ErrTimeout) && deadline > 0 && ctx.Now() >= deadline {
			break
		}
	}

	p.mu.Lock()
	if inf.state == stateDone {
		resp, err := inf.resp, inf.err
		p.channel.release(inf.caller, inf)
		p.mu.Unlock()
		return resp, err
	}
	pending := inf.state == statePending
	if pending {
		p.backlog[inf.route].abandon(inf)
	} else {
		inf.abandoned = true
	}
	p.channel.release(inf.caller, inf)
	name := inf.req.Op.Name
	p.mu.Unlock()

	p.obs.RequestTimedOut(inf.class)
	p.log.Debug("request timed out", "op", name, "caller", inf.caller.String(),
		"timeout", uint64(timeout), "queued", pending)
	if pending {
		return kernel.Response{Request: inf.req},
			fmt.Errorf("request %q queued for %d ticks: %w", name, timeout, kerr.ErrTimeout)
	}
	return kernel.Response{}, fmt.Errorf("request %q running after %d ticks: %w", name, timeout, kerr.ErrTimeout)
}

func (p *Pool) reject(req kernel.Request, class types.OpClass, reason string, cause error) (kernel.Response, error) {
	p.obs.RequestRejected(class, reason)
	return kernel.Response{Request: req}, &kernel.RejectedError{Req: req, Cause: cause}
}

func (p *Pool) usableLocked() error {
	switch {
	case !p.started:
		return fmt.Errorf("%w: %w", kerr.ErrWorkerUnavailable, ErrPoolNotStarted)
	case p.stopped:
		return fmt.Errorf("%w: %w", kerr.ErrWorkerUnavailable, ErrPoolClosed)
	}
	return nil
}

// routeLocked picks the worker class serving class. Dynamic workers are
// general; fixed mode falls back to the other class when none exist.
func (p *Pool) routeLocked(class types.OpClass) types.OpClass {
	if p.mode == config.ModeDynamic {
		return types.ClassGeneral
	}
	if p.count[class] == 0 {
		for c := types.OpClass(0); c < types.NumClasses; c++ {
			if p.count[c] > 0 {
				return c
			}
		}
	}
	return class
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, c := range p.count {
		n += c
	}
	return n
}

func (p *Pool) popIdleLocked(class types.OpClass) *Worker {
	q := p.idle[class]
	if len(q) == 0 {
		return nil
	}
	w := q[0]
	p.idle[class] = q[1:]
	return w
}

// assignLocked binds inf to w and wakes it. Inheritance is applied before
// the wake, so the worker never runs the request below its caller.
func (p *Pool) assignLocked(w *Worker, inf *inflight) {
	inf.state = stateRunning
	inf.worker = w.ID
	w.assigned = inf
	if p.cfg.PriorityPolicy == config.PolicyInherited {
		target := w.base
		if inf.callerPrio > target {
			target = inf.callerPrio
		}
		if err := p.k.SetPriority(w.Task, target); err != nil {
			p.log.Warn("priority inheritance failed", "worker", w.Name, "err", err)
		}
	}
	if err := p.k.Notify(w.Task); err != nil {
		p.log.Warn("wake worker failed", "worker", w.Name, "err", err)
	}
}

// nextLocked gives w the next queued request of its class, or parks it idle.
func (p *Pool) nextLocked(w *Worker, now types.Ticks) {
	if next := p.backlog[w.Class].pop(); next != nil {
		p.assignLocked(w, next)
		return
	}
	w.idleSince = now
	p.idle[w.Class] = append(p.idle[w.Class], w)
}

// grow creates a worker for a dynamic-mode request, retrying on exhaustion
// with a one-tick delay. Retries stop at deadline (0 for none) with
// kerr.ErrTimeout. It runs without Pool.mu.
func (p *Pool) grow(ctx *kernel.Context, class types.OpClass, deadline types.Ticks) (*Worker, error) {
	defer func() {
		p.mu.Lock()
		p.spawning--
		p.mu.Unlock()
	}()
	for attempt := 0; ; attempt++ {
		w, err := p.spawnWorker(class)
		if err == nil {
			return w, nil
		}
		if attempt >= p.cfg.SpawnRetries || !errors.Is(err, kerr.ErrResourceExhausted) {
			return nil, err
		}
		if deadline > 0 && ctx.Now() >= deadline {
			return nil, fmt.Errorf("no worker after %d spawn attempts: %w: %w", attempt+1, kerr.ErrTimeout, err)
		}
		p.log.Debug("worker spawn retry", "attempt", attempt+1, "err", err)
		ctx.Sleep(1)
	}
}

// spawnWorker allocates an arena slot and the backing kernel task.
func (p *Pool) spawnWorker(class types.OpClass) (*Worker, error) {
	w := &Worker{Class: class, base: types.Priority(p.cfg.WorkerPriority)}

	p.mu.Lock()
	if !p.allocSlotLocked(w) {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker arena full (%d): %w", len(p.slots), kerr.ErrResourceExhausted)
	}
	w.Name = fmt.Sprintf("kworker/%s:%d", shortClass(class), w.ID.Index)
	p.mu.Unlock()

	h, err := p.k.SpawnWorker(kernel.TaskSpec{
		Name:       w.Name,
		Priority:   w.base,
		StackBytes: p.cfg.WorkerStackBytes,
		Entry:      p.loop(w),
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.freeSlotLocked(w)
		return nil, err
	}
	w.Task = h
	p.byTask[h] = w
	p.count[class]++
	p.obs.WorkerSpawned(class)
	p.log.Debug("worker spawned", "worker", w.Name, "task", h.String())
	return w, nil
}

func (p *Pool) allocSlotLocked(w *Worker) bool {
	for i := range p.slots {
		s := &p.slots[i]
		if s.w != nil {
			continue
		}
		s.gen++
		s.w = w
		w.ID = types.Handle{Index: uint16(i), Gen: s.gen}
		return true
	}
	return false
}

func (p *Pool) freeSlotLocked(w *Worker) {
	i := int(w.ID.Index)
	if i < len(p.slots) && p.slots[i].w == w {
		p.slots[i].w = nil
	}
}

// retireLocked removes w from the pool. A parked worker is woken so its
// task can exit.
func (p *Pool) retireLocked(w *Worker, reason string) {
	if w.retired {
		return
	}
	w.retire = true
	w.retired = true
	q := p.idle[w.Class]
	for i, x := range q {
		if x == w {
			p.idle[w.Class] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	p.count[w.Class]--
	delete(p.byTask, w.Task)
	p.freeSlotLocked(w)
	p.obs.WorkerRetired(w.Class, reason)
	p.log.Debug("worker retired", "worker", w.Name, "reason", reason, "served", w.served)
	if w.assigned == nil && w.Task.Valid() {
		_ = p.k.Notify(w.Task)
	}
}

// OnTick retires dynamic workers idle for idle_grace_ticks, down to
// low_water.
func (p *Pool) OnTick(now types.Ticks) {
	if p.mode != config.ModeDynamic {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	grace := types.Ticks(p.cfg.IdleGraceTicks)
	for c := range p.idle {
		for _, w := range append([]*Worker(nil), p.idle[c]...) {
			if p.liveLocked() <= p.cfg.LowWater {
				return
			}
			if now-w.idleSince >= grace {
				p.retireLocked(w, "idle")
			}
		}
	}
}

// OnTerminate releases whatever h held: a caller's channel slot, or a
// worker's place in the pool. A worker killed mid-request fails that
// request with ErrWorkerUnavailable.
func (p *Pool) OnTerminate(h types.Handle) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	if inf := p.channel.outstanding(h); inf != nil {
		if inf.state == statePending {
			p.backlog[inf.route].abandon(inf)
		} else {
			inf.abandoned = true
		}
		if p.channel.release(h, inf) {
			p.log.Debug("caller terminated with request outstanding", "caller", h.String(),
				"op", inf.req.Op.Name)
		}
	}

	var halt bool
	w, ok := p.byTask[h]
	if ok && !w.retired {
		if inf := w.assigned; inf != nil {
			w.assigned = nil
			inf.state = stateDone
			inf.err = fmt.Errorf("worker %s terminated: %w", w.Name, kerr.ErrWorkerUnavailable)
			if !inf.abandoned {
				_ = p.k.Notify(inf.caller)
			}
		}
		p.retireLocked(w, "terminated")
		halt = p.mode == config.ModeFixed && !p.stopped
	}
	p.mu.Unlock()

	if halt {
		p.k.Fatal("fixed-mode worker terminated", h, kerr.ErrWorkerUnavailable)
	}
}

// Stop refuses further requests and drops the backlog.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	dropped := 0
	for _, b := range p.backlog {
		for _, inf := range b.drain() {
			inf.abandoned = true
			dropped++
		}
	}
	p.log.Info("worker pool stopped", "workers", p.liveLocked(), "dropped", dropped)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Mode     string
	Workers  int
	Idle     int
	Busy     int
	Queued   int
	InFlight int
	Spawning int
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Mode: string(p.mode), Workers: p.liveLocked(), Spawning: p.spawning}
	for c := range p.idle {
		s.Idle += len(p.idle[c])
		s.Queued += p.backlog[c].len()
	}
	s.Busy = s.Workers - s.Idle
	if p.channel != nil {
		s.InFlight = p.channel.inFlight()
	}
	return s
}

// Workers lists live workers in arena order.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []WorkerInfo
	for _, s := range p.slots {
		if s.w == nil || s.w.retired {
			continue
		}
		info := WorkerInfo{ID: s.w.ID, Name: s.w.Name, Class: s.w.Class, Task: s.w.Task, Served: s.w.served}
		if s.w.assigned != nil {
			info.Busy = true
			info.Caller = s.w.assigned.caller
		}
		out = append(out, info)
	}
	return out
}

// WorkerInfo describes one live worker.
type WorkerInfo struct {
	ID     types.Handle
	Name   string
	Class  types.OpClass
	Task   types.Handle
	Busy   bool
	Caller types.Handle
	Served uint64
}

func shortClass(c types.OpClass) string {
	if c == types.ClassIO {
		return "io"
	}
	return "gen"
}
