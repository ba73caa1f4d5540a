package script

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

// TickFunc is the body of a native effect.
type TickFunc func(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error)

// Factory builds a native effect for a keyboard of the given size.
type Factory func(keys int) Logic

type nativeLogic struct{ tick TickFunc }

func (n nativeLogic) Tick(_ context.Context, st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	return n.tick(st, p, f, layer)
}

func (nativeLogic) Close() error { return nil }

// Native wraps fn as a Logic.
func Native(fn TickFunc) Logic { return nativeLogic{tick: fn} }

// Registry maps native entry names to factories.
type Registry struct{ m map[string]Factory }

func NewRegistry() *Registry { return &Registry{m: map[string]Factory{}} }

func (r *Registry) Register(name string, f Factory) {
	if f == nil {
		return
	}
	r.m[name] = f
}

func (r *Registry) New(name string, keys int) (Logic, error) {
	f, ok := r.m[name]
	if !ok {
		return nil, fmt.Errorf("native effect not found: %s", name)
	}
	return f(keys), nil
}

func (r *Registry) List() []string {
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Builtins returns a registry holding the bundled native effects.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("solid", func(int) Logic { return Native(solid) })
	r.Register("gradient", func(int) Logic { return Native(gradient) })
	r.Register("afterglow", func(int) Logic { return Native(afterglow) })
	r.Register("sweep", func(int) Logic { return Native(sweep) })
	r.Register("spectrum", func(int) Logic { return Native(spectrumBars) })
	return r
}

func colorOr(p manifest.Params, name string, def render.RGBA) render.RGBA {
	if c, ok := p[name].(render.RGBA); ok {
		return c
	}
	return def
}

func intOr(p manifest.Params, name string, def int64) int64 {
	if v, ok := p[name].(int64); ok {
		return v
	}
	return def
}

func floatOr(p manifest.Params, name string, def float64) float64 {
	if v, ok := p[name].(float64); ok {
		return v
	}
	return def
}

// solid fills every key with "color". A positive "pulse_frames" breathes the
// alpha over that many frames.
func solid(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	c := colorOr(p, "color", 0xFFFFFFFF)
	if period := intOr(p, "pulse_frames", 0); period > 0 {
		phase := 2 * math.Pi * float64(f.Frame%uint64(period)) / float64(period)
		scale := 0.5 + 0.5*math.Sin(phase)
		c = c.WithAlpha(uint8(math.Round(float64(c.A()) * scale)))
	}
	layer.Fill(c.Premultiply())
	return st, nil
}

// gradient spreads a rainbow over the keys; "speed" rotates it in cycles per
// hundred frames.
func gradient(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	speed := floatOr(p, "speed", 0)
	n := float64(len(layer))
	for i := range layer {
		phase := 2*math.Pi*float64(i)/n + 2*math.Pi*speed*float64(f.Frame)/100
		layer[i] = render.Color{
			R: float32(0.5 + 0.5*math.Sin(phase)),
			G: float32(0.5 + 0.5*math.Sin(phase+2*math.Pi/3)),
			B: float32(0.5 + 0.5*math.Sin(phase+4*math.Pi/3)),
			A: 1,
		}
	}
	return st, nil
}

// afterglow lights a pressed key with "color_afterglow" at full alpha and
// lowers the alpha by "alpha_step_afterglow" on every following tick. Alpha
// stays within 0..255 whatever the sign of the step.
func afterglow(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	glow, _ := st.(map[int]int)
	if glow == nil {
		glow = map[int]int{}
	}
	c := colorOr(p, "color_afterglow", 0xFFFFFFFF)
	step := int(intOr(p, "alpha_step_afterglow", 4))

	for k, a := range glow {
		glow[k] = min(max(a-step, 0), 255)
	}
	for _, ev := range f.Events {
		if ev.Kind == telemetry.KeyDown && ev.Key >= 0 && ev.Key < len(layer) {
			glow[ev.Key] = 255
		}
	}
	for k, a := range glow {
		layer[k] = c.WithAlpha(uint8(a)).Premultiply()
		if a == 0 {
			delete(glow, k)
		}
	}
	return glow, nil
}

// sweep lights one key per tick in index order, like a wiring check.
func sweep(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	pos, _ := st.(int)
	layer.Clear()
	if len(layer) > 0 {
		layer[pos%len(layer)] = colorOr(p, "color", 0xFFFFFFFF).Premultiply()
	}
	return pos + 1, nil
}

// spectrumBars maps keys evenly onto spectrum bands and sets each key's
// alpha from its band level.
func spectrumBars(st State, p manifest.Params, f *Facts, layer render.Layer) (State, error) {
	c := colorOr(p, "color", 0x00FF00FF)
	gain := floatOr(p, "gain", 1)
	bins := f.Spectrum.Bins
	if len(bins) == 0 {
		layer.Clear()
		return st, nil
	}
	for i := range layer {
		level := bins[i*len(bins)/len(layer)] * gain
		if level > 1 {
			level = 1
		}
		if level < 0 {
			level = 0
		}
		layer[i] = c.WithAlpha(uint8(math.Round(float64(c.A()) * level))).Premultiply()
	}
	return st, nil
}
