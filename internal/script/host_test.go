package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

// frameStamp writes the frame number into the red channel of every key.
func frameStamp(st State, _ manifest.Params, f *Facts, layer render.Layer) (State, error) {
	layer.Fill(render.Pack(uint8(f.Frame), 0, 0, 255).Premultiply())
	return st, nil
}

func stampInstance(id string, step int, fn TickFunc) *Instance {
	m := &manifest.Manifest{Name: id, Step: step}
	return NewInstance(id, m, manifest.Params{}, Native(fn), 4)
}

func TestStepGating(t *testing.T) {
	h := &Host{}
	inst := stampInstance("gated", 4, frameStamp)

	var updated []uint64
	prev := inst.Layer().Clone()
	for frame := uint64(0); frame < 13; frame++ {
		require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: frame, Keys: 4}))
		cur := inst.Layer()
		if !render.Grid(cur).Equal(render.Grid(prev)) {
			updated = append(updated, frame)
		}
		prev = cur.Clone()
	}
	assert.Equal(t, []uint64{0, 4, 8, 12}, updated)
}

func TestFaultIsolation(t *testing.T) {
	h := &Host{}
	good := stampInstance("good", 1, frameStamp)
	bad := stampInstance("bad", 1, func(st State, p manifest.Params, f *Facts, l render.Layer) (State, error) {
		if f.Frame == 3 {
			return st, errors.New("configured failure")
		}
		return frameStamp(st, p, f, l)
	})

	for frame := uint64(0); frame < 8; frame++ {
		facts := &Facts{Frame: frame, Keys: 4}
		require.NoError(t, h.Tick(context.Background(), good, facts))
		err := h.Tick(context.Background(), bad, facts)
		if frame == 3 {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
	}

	assert.True(t, good.Enabled())
	assert.Equal(t, uint8(7), good.Layer()[0].Straight().R())

	assert.False(t, bad.Enabled())
	require.NotNil(t, bad.Fault())
	assert.Equal(t, RuntimeFault, bad.Fault().Kind)
	assert.Equal(t, uint8(2), bad.Layer()[0].Straight().R(), "frozen at the last good tick")
}

func TestPanicBecomesRuntimeFault(t *testing.T) {
	inst := stampInstance("panics", 1, func(State, manifest.Params, *Facts, render.Layer) (State, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	err := (&Host{}).Tick(context.Background(), inst, &Facts{Keys: 4})
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, RuntimeFault, se.Kind)
	assert.Equal(t, "panics", se.Instance)
	assert.False(t, inst.Busy())
}

func TestLateNativeTickIsTimeout(t *testing.T) {
	inst := stampInstance("slow", 1, func(st State, p manifest.Params, f *Facts, l render.Layer) (State, error) {
		time.Sleep(30 * time.Millisecond)
		return frameStamp(st, p, f, l)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res := (&Host{}).Run(ctx, inst, &Facts{Frame: 1, Keys: 4})
	require.NotNil(t, res.Err)
	assert.Equal(t, Timeout, res.Err.Kind)
	assert.False(t, res.Ran)
}

func TestRunSkipsBusyAndDisabled(t *testing.T) {
	h := &Host{}
	inst := stampInstance("x", 1, frameStamp)

	inst.busy.Store(true)
	res := h.Run(context.Background(), inst, &Facts{Keys: 4})
	assert.False(t, res.Ran)
	assert.ErrorIs(t, inst.Enable(), ErrBusy)
	inst.busy.Store(false)

	inst.Disable(nil)
	res = h.Run(context.Background(), inst, &Facts{Keys: 4})
	assert.False(t, res.Ran)
	assert.Nil(t, inst.Fault())
}

func TestEnableResetsState(t *testing.T) {
	h := &Host{}
	var seen []State
	inst := stampInstance("counter", 1, func(st State, _ manifest.Params, f *Facts, l render.Layer) (State, error) {
		seen = append(seen, st)
		n, _ := st.(int)
		if n == 2 {
			return st, errors.New("stop")
		}
		return n + 1, nil
	})
	for frame := uint64(0); frame < 3; frame++ {
		_ = h.Tick(context.Background(), inst, &Facts{Frame: frame, Keys: 4})
	}
	require.False(t, inst.Enabled())

	require.NoError(t, inst.Enable())
	assert.True(t, inst.Enabled())
	assert.Nil(t, inst.Fault())
	require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: 3, Keys: 4}))
	assert.Equal(t, []State{nil, 1, 2, nil}, seen)
}

func nativeAfterglow(t *testing.T, step int64) *Instance {
	t.Helper()
	logic, err := Builtins().New("afterglow", 4)
	require.NoError(t, err)
	m := &manifest.Manifest{Name: "afterglow", Kind: manifest.KindNative, Entry: "afterglow", Step: 1, Params: []manifest.ParameterSpec{
		{Type: manifest.TypeColor, Name: "color_afterglow", Default: render.RGBA(0xffffffff)},
		{Type: manifest.TypeInt, Name: "alpha_step_afterglow", Default: step},
	}}
	params, err := manifest.Resolve(m, nil)
	require.NoError(t, err)
	return NewInstance("afterglow", m, params, logic, 4)
}

func TestNativeAfterglowDecay(t *testing.T) {
	h := &Host{}
	inst := nativeAfterglow(t, 4)

	var got []uint8
	for frame := uint64(0); frame <= 64; frame++ {
		facts := &Facts{Frame: frame, Keys: 4}
		if frame == 0 {
			facts.Events = []telemetry.Event{{Kind: telemetry.KeyDown, Key: 1}}
		}
		require.NoError(t, h.Tick(context.Background(), inst, facts))
		got = append(got, inst.Layer()[1].Straight().A())
	}
	assert.Equal(t, decaySequence(), got)
}

func TestBuiltins(t *testing.T) {
	reg := Builtins()
	assert.Equal(t, []string{"afterglow", "gradient", "solid", "spectrum", "sweep"}, reg.List())
	_, err := reg.New("nope", 4)
	assert.Error(t, err)

	h := &Host{Natives: reg}
	m := &manifest.Manifest{Name: "sweep", Kind: manifest.KindNative, Entry: "sweep", Step: 1}
	logic, err := h.Load(m, "", 3)
	require.NoError(t, err)
	inst := NewInstance("sweep", m, manifest.Params{}, logic, 3)
	for frame := uint64(0); frame < 4; frame++ {
		require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: frame, Keys: 3}))
	}
	// fourth tick wraps back to key 0
	assert.Equal(t, uint8(255), inst.Layer()[0].Straight().A())
	assert.Equal(t, uint8(0), inst.Layer()[1].Straight().A())

	m = &manifest.Manifest{Name: "bars", Kind: manifest.KindNative, Entry: "spectrum", Step: 1}
	logic, err = h.Load(m, "", 4)
	require.NoError(t, err)
	bars := NewInstance("bars", m, manifest.Params{}, logic, 4)
	facts := &Facts{Keys: 4, Spectrum: telemetry.Spectrum{Bins: []float64{1, 0}}}
	require.NoError(t, h.Tick(context.Background(), bars, facts))
	assert.Equal(t, uint8(255), bars.Layer()[0].Straight().A())
	assert.Equal(t, uint8(255), bars.Layer()[1].Straight().A())
	assert.Equal(t, uint8(0), bars.Layer()[3].Straight().A())
}

func TestGatedTickKeepsEvents(t *testing.T) {
	h := &Host{}
	var got [][]telemetry.Event
	inst := stampInstance("gated", 2, func(st State, _ manifest.Params, f *Facts, _ render.Layer) (State, error) {
		got = append(got, f.Events)
		return st, nil
	})
	down := telemetry.Event{Kind: telemetry.KeyDown, Key: 1}
	up := telemetry.Event{Kind: telemetry.KeyUp, Key: 1}

	require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: 1, Keys: 4, Events: []telemetry.Event{down}}))
	require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: 2, Keys: 4, Events: []telemetry.Event{up}}))
	require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: 4, Keys: 4}))

	require.Len(t, got, 2)
	assert.Equal(t, []telemetry.Event{down, up}, got[0])
	assert.Empty(t, got[1])
}

func TestEnableDropsDeferredEvents(t *testing.T) {
	h := &Host{}
	var got []telemetry.Event
	inst := stampInstance("gated", 2, func(st State, _ manifest.Params, f *Facts, _ render.Layer) (State, error) {
		got = f.Events
		return st, nil
	})
	inst.Defer([]telemetry.Event{{Kind: telemetry.KeyDown, Key: 0}})
	inst.Disable(nil)
	require.NoError(t, inst.Enable())
	require.NoError(t, h.Tick(context.Background(), inst, &Facts{Frame: 0, Keys: 4}))
	assert.Empty(t, got)
}

func TestNativeAfterglowNegativeStepHoldsFullAlpha(t *testing.T) {
	h := &Host{}
	inst := nativeAfterglow(t, -4)

	for frame := uint64(0); frame < 10; frame++ {
		facts := &Facts{Frame: frame, Keys: 4}
		if frame == 0 {
			facts.Events = []telemetry.Event{{Kind: telemetry.KeyDown, Key: 2}}
		}
		require.NoError(t, h.Tick(context.Background(), inst, facts))
		assert.Equal(t, uint8(255), inst.Layer()[2].Straight().A(), "frame %d", frame)
	}
}
