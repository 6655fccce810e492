package worker

import (
	"log/slog"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Flat runs every operation inline on the caller's own stack. There are no
// workers, so there is nothing to queue, time out or retire; in exchange
// every user task must carry a stack deep enough for the worst operation.
type Flat struct {
	minStack int
	log      *slog.Logger
	obs      Observer
}

// NewFlat creates the flat dispatcher.
func NewFlat(cfg config.Dispatch, opts ...Option) *Flat {
	o := buildOptions(opts)
	return &Flat{
		minStack: cfg.FlatMinStackBytes,
		log:      o.log.With("component", "kworker", "mode", string(config.ModeFlat)),
		obs:      o.obs,
	}
}

func (f *Flat) Mode() string { return string(config.ModeFlat) }

func (f *Flat) Start(*kernel.Kernel) error {
	f.log.Info("flat dispatch", "min_caller_stack", f.minStack)
	return nil
}

// Dispatch executes req immediately. The timeout is ignored: the caller is
// the executor and cannot abandon its own frame.
func (f *Flat) Dispatch(ctx *kernel.Context, req kernel.Request, _ types.Ticks) (kernel.Response, error) {
	class := req.Op.Class
	f.obs.RequestSubmitted(string(config.ModeFlat), class)
	start := ctx.Now()

	val, err := execute(ctx, types.NoHandle, &req)
	ctx.Checkpoint()

	latency := ctx.Now() - start
	f.obs.RequestCompleted(class, latency, err)
	return kernel.Response{Value: val, Request: req, Latency: latency}, err
}

// MinCallerStack is the worst-case operation depth.
func (f *Flat) MinCallerStack() int { return f.minStack }

func (f *Flat) OnTick(types.Ticks)       {}
func (f *Flat) OnTerminate(types.Handle) {}
func (f *Flat) Stop()                    {}
