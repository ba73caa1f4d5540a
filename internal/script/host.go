package script

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/manifest"
)

// Host creates logic units and runs their ticks with fault containment.
type Host struct {
	Natives *Registry
	// LibDir holds the modules scripts may import.
	LibDir string
	// HookCount is the instruction interval at which Lua ticks check their
	// deadline.
	HookCount int
}

// Load creates the logic for m. Lua effects are read from scriptPath; native
// effects are looked up by m.Entry.
func (h *Host) Load(m *manifest.Manifest, scriptPath string, keys int) (Logic, error) {
	switch m.Kind {
	case manifest.KindNative:
		if h.Natives == nil {
			return nil, fmt.Errorf("native effect %q: no plugins registered", m.Entry)
		}
		return h.Natives.New(m.Entry, keys)
	default:
		src, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		return NewLuaLogic(scriptPath, src, LuaOptions{Keys: keys, LibDir: h.LibDir, HookCount: h.HookCount})
	}
}

// Run performs one tick of inst without publishing it. It is safe to call
// from a worker goroutine; the caller hands the Result to inst.Commit on the
// thread that owns the cycle. Run never panics.
func (h *Host) Run(ctx context.Context, inst *Instance, facts *Facts) (res Result) {
	res = Result{Inst: inst, Frame: facts.Frame}
	if !inst.Enabled() {
		return res
	}
	if facts.Frame%inst.Step() != 0 {
		inst.Defer(facts.Events)
		return res
	}
	if !inst.busy.CompareAndSwap(false, true) {
		inst.Defer(facts.Events)
		return res
	}
	defer inst.busy.Store(false)

	if ev := inst.events(facts.Events); len(ev) != len(facts.Events) {
		f := *facts
		f.Events = ev
		facts = &f
	}
	copy(inst.work, inst.published)
	st, err := h.invoke(ctx, inst, facts)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ctx.Err()
	}
	if err != nil {
		kind := RuntimeFault
		if ctx.Err() != nil {
			kind = Timeout
		}
		res.Err = &ScriptError{Kind: kind, Instance: inst.ID, Frame: facts.Frame, Err: err}
		return res
	}
	res.Ran = true
	res.State = st
	return res
}

func (h *Host) invoke(ctx context.Context, inst *Instance, facts *Facts) (st State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if inst.logic == nil {
		return nil, ErrNoTick
	}
	return inst.logic.Tick(ctx, inst.state, inst.Params, facts, inst.work)
}

// Tick runs and commits one tick synchronously.
func (h *Host) Tick(ctx context.Context, inst *Instance, facts *Facts) error {
	res := h.Run(ctx, inst, facts)
	if serr := inst.Commit(res); serr != nil {
		return serr
	}
	if !res.Ran {
		log.Debug().Str("instance", inst.ID).Uint64("frame", facts.Frame).Msg("tick skipped")
	}
	return nil
}
