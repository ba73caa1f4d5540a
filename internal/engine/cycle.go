package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/diagnostics"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/script"
)

// Cycle runs the state machine once: Idle, Sampling, Ticking, Compositing,
// Flushing. Profile swaps and enable requests take effect in Idle only, so
// every cycle renders a single profile from start to end.
func (e *Engine) Cycle(ctx context.Context) {
	start := time.Now()
	e.jitter(start)

	e.setPhase(Idle)
	changed := e.boundary()
	p := e.active.Load()

	e.setPhase(Sampling)
	snap := e.sampler.Sample()
	if snap.Stale && e.sampler.Audio != nil {
		log.Trace().Uint64("frame", e.frame).Msg("reusing last spectrum")
	}
	facts := &script.Facts{Frame: e.frame, Keys: e.opts.Keys, Spectrum: snap.Spectrum, Events: snap.Events}

	e.setPhase(Ticking)
	if e.tick(ctx, p, facts, start.Add(e.opts.TickTimeout)) > 0 {
		changed = true
	}

	e.setPhase(Compositing)
	e.composite(p)
	if took := time.Since(start); took > e.period {
		e.counters.Overruns++
		log.Warn().Uint64("frame", e.frame).Dur("took", took).Dur("period", e.period).Msg("frame overrun")
		e.notify(diagnostics.Overrun(e.frame, took, e.period))
	}

	e.setPhase(Flushing)
	e.flush(changed)

	e.counters.Frames++
	e.publish(p, time.Since(start))
	e.frame++
	e.fps(start)
	e.setPhase(Idle)
}

func (e *Engine) setPhase(p Phase) { e.phase.Store(int32(p)) }

// boundary applies a queued profile and pending enable requests. It reports
// whether anything visible changed.
func (e *Engine) boundary() bool {
	changed := false
	if n := e.next.Swap(nil); n != nil {
		if old := e.active.Swap(n); old != nil {
			e.retired = append(e.retired, old)
		}
		log.Info().Str("profile", n.Name).Str("id", n.ID.String()).Uint64("frame", e.frame).
			Int("instances", len(n.Instances)).Msg("profile activated")
		changed = true
	}
	e.reap()
	for {
		select {
		case req := <-e.requests:
			err := e.enable(req.id)
			if err == nil {
				changed = true
			}
			req.reply <- err
		default:
			return changed
		}
	}
}

// reap closes retired profiles once none of their ticks is still running.
func (e *Engine) reap() {
	kept := e.retired[:0]
	for _, p := range e.retired {
		busy := false
		for _, inst := range p.Instances {
			if inst.Busy() {
				busy = true
				break
			}
		}
		if busy {
			kept = append(kept, p)
			continue
		}
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("profile", p.Name).Msg("close retired profile")
		}
	}
	e.retired = kept
}

func (e *Engine) enable(id string) error {
	p := e.active.Load()
	if p == nil {
		return ErrUnknownInstance
	}
	inst, ok := p.Instance(id)
	if !ok {
		return ErrUnknownInstance
	}
	if err := inst.Enable(); err != nil {
		return err
	}
	log.Info().Str("instance", id).Uint64("frame", e.frame).Msg("instance enabled")
	e.notify(diagnostics.Enabled(id))
	return nil
}

// tick dispatches every due instance and joins them until deadline. It
// returns the number of layers that were updated. Instances that sit this
// frame out keep its input events for their next tick. Instances still running
// at the deadline are disabled with a Timeout; their late results are
// dropped.
func (e *Engine) tick(ctx context.Context, p *profile.Profile, facts *script.Facts, deadline time.Time) int {
	if p == nil {
		return 0
	}
	var due []*script.Instance
	for _, inst := range p.Instances {
		if !inst.Enabled() {
			continue
		}
		if inst.Busy() || facts.Frame%inst.Step() != 0 {
			inst.Defer(facts.Events)
			continue
		}
		due = append(due, inst)
	}
	if len(due) == 0 {
		return 0
	}

	tctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()
	out := make(chan script.Result, len(due))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	pending := make(map[*script.Instance]bool, len(due))
	expired := false
dispatch:
	for _, inst := range due {
		select {
		case e.jobs <- job{ctx: tctx, inst: inst, facts: facts, out: out}:
			pending[inst] = true
		case <-timer.C:
			expired = true
			log.Warn().Uint64("frame", facts.Frame).Int("skipped", len(due)-len(pending)).Msg("worker pool saturated")
			break dispatch
		}
	}
	if expired {
		for _, inst := range due {
			if !pending[inst] {
				inst.Defer(facts.Events)
			}
		}
	}

	ran := 0
	commit := func(res script.Result) {
		delete(pending, res.Inst)
		if serr := res.Inst.Commit(res); serr != nil {
			e.fault(serr)
		} else if res.Ran {
			ran++
		}
	}
	for len(pending) > 0 && !expired {
		select {
		case res := <-out:
			commit(res)
		case <-timer.C:
			expired = true
		}
	}
	for drained := false; !drained && len(pending) > 0; {
		select {
		case res := <-out:
			commit(res)
		default:
			drained = true
		}
	}
	for inst := range pending {
		serr := &script.ScriptError{Kind: script.Timeout, Instance: inst.ID, Frame: facts.Frame, Err: context.DeadlineExceeded}
		inst.Disable(serr)
		e.fault(serr)
	}
	return ran
}

func (e *Engine) fault(serr *script.ScriptError) {
	if serr.Kind == script.Timeout {
		e.counters.Timeouts++
	} else {
		e.counters.Faults++
	}
	e.notify(diagnostics.Script(serr))
}

func (e *Engine) composite(p *profile.Profile) {
	e.srcs = e.srcs[:0]
	var global float32
	if p != nil {
		global = p.Opacity
		for _, inst := range p.Instances {
			if inst.Enabled() {
				e.srcs = append(e.srcs, render.Source{Layer: inst.Layer(), Opacity: inst.Opacity})
			}
		}
	}
	if err := render.Merge(e.grid, e.srcs, global); err != nil {
		log.Error().Err(err).Uint64("frame", e.frame).Msg("composite failed, frame dark")
		e.grid.Clear()
	}
}

// flush limits and writes the grid. An unchanged grid is not resent unless a
// layer or the profile changed this cycle.
func (e *Engine) flush(changed bool) {
	if e.opts.Limiter.Enabled() {
		e.opts.Limiter.Apply(e.grid)
	}
	if e.sent && !changed && e.grid.Equal(e.lastSent) {
		e.counters.Skipped++
		return
	}
	if e.sink == nil {
		return
	}
	if err := e.sink.Write(e.grid); err != nil {
		e.counters.Dropped++
		log.Error().Err(err).Uint64("frame", e.frame).Msg("frame dropped")
		e.notify(diagnostics.Hardware(err))
		return
	}
	copy(e.lastSent, e.grid)
	e.sent = true
	e.counters.Flushed++
}

func (e *Engine) jitter(start time.Time) {
	if !e.lastStart.IsZero() {
		if late := start.Sub(e.lastStart) - e.period; late > e.opts.JitterBudget {
			e.counters.Jitter++
			log.Warn().Dur("late", late).Uint64("frame", e.frame).Msg("frame jitter")
		}
	}
	e.lastStart = start
}

func (e *Engine) fps(start time.Time) {
	if e.fpsSince.IsZero() {
		e.fpsSince = start
	}
	e.fpsCount++
	if el := time.Since(e.fpsSince); el >= time.Second {
		e.counters.FPS = float64(e.fpsCount) / el.Seconds()
		log.Debug().Float64("fps", e.counters.FPS).Msg("render rate")
		e.fpsSince, e.fpsCount = time.Now(), 0
	}
}
