// Package engine is the render scheduler: a fixed-period loop that samples
// telemetry, ticks the active profile's instances on a worker pool,
// composites their layers and flushes the result to the sink.
package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/diagnostics"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/script"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

// ErrUnknownInstance is returned by Enable for ids not in the active profile.
var ErrUnknownInstance = errors.New("engine: unknown instance")

// Sink receives one composited grid per flushed frame.
type Sink interface {
	Write(g render.Grid) error
}

type Options struct {
	Keys int
	FPS  int
	// Workers bounds concurrent ticks; zero uses the CPU count.
	Workers int
	// TickTimeout is how long the loop waits for ticks to join, measured
	// from the start of the cycle. Zero means one period.
	TickTimeout time.Duration
	// JitterBudget is the lateness between cycle starts tolerated before a
	// warning. Zero means half a period.
	JitterBudget time.Duration
	Limiter      render.Limiter
	// Notify receives diagnostics; it must not block.
	Notify diagnostics.Sink
}

// Phase is the scheduler state.
type Phase int32

const (
	Idle Phase = iota
	Sampling
	Ticking
	Compositing
	Flushing
)

func (p Phase) String() string {
	switch p {
	case Sampling:
		return "sampling"
	case Ticking:
		return "ticking"
	case Compositing:
		return "compositing"
	case Flushing:
		return "flushing"
	default:
		return "idle"
	}
}

type job struct {
	ctx   context.Context
	inst  *script.Instance
	facts *script.Facts
	out   chan<- script.Result
}

type enableReq struct {
	id    string
	reply chan error
}

// Engine owns the output grid and the active profile reference. Cycle and
// Run must be called from a single goroutine; everything else is safe for
// concurrent use.
type Engine struct {
	opts    Options
	period  time.Duration
	host    *script.Host
	sink    Sink
	sampler *telemetry.Sampler

	active atomic.Pointer[profile.Profile]
	next   atomic.Pointer[profile.Profile]
	phase  atomic.Int32

	jobs     chan job
	wg       sync.WaitGroup
	requests chan enableReq
	closeMu  sync.Once

	// loop-owned
	frame     uint64
	grid      render.Grid
	srcs      []render.Source
	lastSent  render.Grid
	sent      bool
	retired   []*profile.Profile
	lastStart time.Time
	fpsSince  time.Time
	fpsCount  int
	counters  Stats

	mu     sync.RWMutex
	snap   render.Grid
	status Status
}

// New starts the worker pool. sampler may be nil.
func New(host *script.Host, sink Sink, sampler *telemetry.Sampler, opts Options) *Engine {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	period := time.Second / time.Duration(opts.FPS)
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = period
	}
	if opts.JitterBudget <= 0 {
		opts.JitterBudget = period / 2
	}
	if sampler == nil {
		sampler = &telemetry.Sampler{}
	}
	e := &Engine{
		opts:     opts,
		period:   period,
		host:     host,
		sink:     sink,
		sampler:  sampler,
		jobs:     make(chan job),
		requests: make(chan enableReq, 16),
		grid:     render.NewGrid(opts.Keys),
		lastSent: render.NewGrid(opts.Keys),
		snap:     render.NewGrid(opts.Keys),
	}
	e.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.jobs {
		j.out <- e.host.Run(j.ctx, j.inst, j.facts)
	}
}

// Period is the target cycle length.
func (e *Engine) Period() time.Duration { return e.period }

// Activate queues p to replace the active profile at the next cycle
// boundary. A candidate queued earlier and not yet picked up is closed.
func (e *Engine) Activate(p *profile.Profile) {
	if old := e.next.Swap(p); old != nil && old != p {
		_ = old.Close()
	}
}

// Active returns the profile the loop is currently rendering.
func (e *Engine) Active() *profile.Profile { return e.active.Load() }

// Phase reports the current scheduler state.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

// Run cycles once per period until ctx is done. A cycle in progress when ctx
// is cancelled completes, including its flush. Cycles that cannot start on
// time are dropped, not queued.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	log.Info().Int("fps", e.opts.FPS).Int("workers", e.opts.Workers).Int("keys", e.opts.Keys).Msg("render loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("frame", e.frame).Msg("render loop stopped")
			return nil
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Close stops the workers and releases all profiles. Run must have returned.
func (e *Engine) Close() error {
	var errs []error
	e.closeMu.Do(func() {
		close(e.jobs)
		e.wg.Wait()
		if p := e.next.Swap(nil); p != nil {
			errs = append(errs, p.Close())
		}
		if p := e.active.Swap(nil); p != nil {
			errs = append(errs, p.Close())
		}
		for _, p := range e.retired {
			errs = append(errs, p.Close())
		}
		e.retired = nil
	})
	return errors.Join(errs...)
}

// Enable clears the fault of an instance in the active profile. The request
// is applied at the next cycle boundary.
func (e *Engine) Enable(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := enableReq{id: id, reply: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) notify(d diagnostics.Diagnostic) {
	if e.opts.Notify != nil {
		e.opts.Notify(d)
	}
}
