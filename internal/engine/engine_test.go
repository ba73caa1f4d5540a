package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/keyfx/internal/diagnostics"
	"github.com/coreman2200/keyfx/internal/led"
	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/script"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

const keys = 4

var (
	red   = render.Pack(255, 0, 0, 255).Premultiply()
	green = render.Pack(0, 255, 0, 255).Premultiply()
	blue  = render.Pack(0, 0, 255, 255).Premultiply()
)

type recSink struct {
	mu     sync.Mutex
	frames []render.Grid
	fail   []error
}

func (s *recSink) Write(g render.Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fail) > 0 {
		err := s.fail[0]
		s.fail = s.fail[1:]
		return err
	}
	s.frames = append(s.frames, g.Clone())
	return nil
}

func (s *recSink) Frames() []render.Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]render.Grid(nil), s.frames...)
}

func native(id string, step int, fn script.TickFunc) *script.Instance {
	m := &manifest.Manifest{Name: id, Kind: manifest.KindNative, Step: step}
	return script.NewInstance(id, m, manifest.Params{}, script.Native(fn), keys)
}

// paint fills keys [from, to) with c on every tick.
func paint(id string, from, to int, c render.Color) *script.Instance {
	return native(id, 1, func(st script.State, _ manifest.Params, _ *script.Facts, l render.Layer) (script.State, error) {
		for k := from; k < to; k++ {
			l[k] = c
		}
		return st, nil
	})
}

func newProfile(name string, insts ...*script.Instance) *profile.Profile {
	for z, inst := range insts {
		inst.Z = z
	}
	return &profile.Profile{ID: uuid.New(), Name: name, Opacity: 1, Keys: keys, Instances: insts}
}

type harness struct {
	e     *Engine
	sink  *recSink
	diags []diagnostics.Diagnostic
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sink: &recSink{}}
	opts.Keys = keys
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	opts.Notify = func(d diagnostics.Diagnostic) { h.diags = append(h.diags, d) }
	h.e = New(&script.Host{}, h.sink, nil, opts)
	t.Cleanup(func() { _ = h.e.Close() })
	return h
}

func (h *harness) codes() []string {
	var out []string
	for _, d := range h.diags {
		out = append(out, d.Code)
	}
	return out
}

func TestCycleComposesInZOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.e.Activate(newProfile("p", paint("bottom", 0, keys, red), paint("top", 1, 2, blue)))
	h.e.Cycle(context.Background())

	frames := h.sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, render.Grid{red, blue, red, red}, frames[0])
	assert.Equal(t, frames[0], h.e.Snapshot())

	st := h.e.Status()
	assert.Equal(t, "p", st.Profile)
	assert.Len(t, st.Instances, 2)
	assert.Equal(t, uint64(1), st.Stats.Frames)
}

func TestNoProfileIsDark(t *testing.T) {
	h := newHarness(t, Options{})
	h.e.Cycle(context.Background())
	h.e.Cycle(context.Background())

	frames := h.sink.Frames()
	require.Len(t, frames, 1, "unchanged dark frame is sent once")
	assert.Equal(t, render.NewGrid(keys), frames[0])
	assert.Equal(t, uint64(1), h.e.Status().Stats.Skipped)
}

func TestStepGatedFramesSkipFlush(t *testing.T) {
	h := newHarness(t, Options{})
	stamp := native("stamp", 2, func(st script.State, _ manifest.Params, f *script.Facts, l render.Layer) (script.State, error) {
		l.Fill(render.Pack(uint8(f.Frame+1), 0, 0, 255).Premultiply())
		return st, nil
	})
	h.e.Activate(newProfile("p", stamp))
	for i := 0; i < 4; i++ {
		h.e.Cycle(context.Background())
	}
	frames := h.sink.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint8(1), frames[0][0].Straight().R())
	assert.Equal(t, uint8(3), frames[1][0].Straight().R())
	stats := h.e.Status().Stats
	assert.Equal(t, uint64(2), stats.Flushed)
	assert.Equal(t, uint64(2), stats.Skipped)
}

func TestHotReloadAtomicity(t *testing.T) {
	h := newHarness(t, Options{Workers: 4})
	next := newProfile("new", paint("b0", 0, 2, blue), paint("b1", 2, 4, blue))

	a0 := paint("a0", 0, 2, red)
	a1 := native("a1", 1, func(st script.State, _ manifest.Params, f *script.Facts, l render.Layer) (script.State, error) {
		if f.Frame == 1 {
			// swap requested from inside a running cycle
			h.e.Activate(next)
		}
		l[2], l[3] = red, red
		return st, nil
	})
	h.e.Activate(newProfile("old", a0, a1))

	for i := 0; i < 4; i++ {
		h.e.Cycle(context.Background())
	}
	frames := h.sink.Frames()
	require.Len(t, frames, 4)
	for i, f := range frames {
		want := blue
		if i < 2 {
			want = red
		}
		for k, c := range f {
			assert.Equal(t, want, c, "frame %d key %d", i, k)
		}
	}
	assert.Equal(t, "new", h.e.Active().Name)
	assert.False(t, a0.Enabled(), "old profile released")
}

func TestActivateReplacesQueuedCandidate(t *testing.T) {
	h := newHarness(t, Options{})
	first := paint("first", 0, keys, red)
	h.e.Activate(newProfile("first", first))
	h.e.Activate(newProfile("second", paint("second", 0, keys, green)))
	assert.False(t, first.Enabled(), "superseded candidate is closed")

	h.e.Cycle(context.Background())
	assert.Equal(t, "second", h.e.Active().Name)
	assert.Equal(t, green, h.e.Snapshot()[0])
}

func TestFaultIsolation(t *testing.T) {
	h := newHarness(t, Options{})
	good := native("good", 1, func(st script.State, _ manifest.Params, f *script.Facts, l render.Layer) (script.State, error) {
		l[0] = render.Pack(uint8(f.Frame), 0, 0, 255).Premultiply()
		return st, nil
	})
	bad := native("bad", 1, func(st script.State, _ manifest.Params, f *script.Facts, l render.Layer) (script.State, error) {
		if f.Frame == 2 {
			return st, errors.New("configured failure")
		}
		l[1] = green
		return st, nil
	})
	h.e.Activate(newProfile("p", good, bad))
	for i := 0; i < 5; i++ {
		h.e.Cycle(context.Background())
	}

	assert.True(t, good.Enabled())
	assert.False(t, bad.Enabled())
	snap := h.e.Snapshot()
	assert.Equal(t, uint8(4), snap[0].Straight().R(), "good instance keeps updating")
	assert.Equal(t, render.Color{}, snap[1], "disabled instance stops contributing")

	st := h.e.Status()
	faults := st.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, "bad", faults[0].ID)
	assert.Equal(t, script.RuntimeFault, faults[0].FaultKind)
	assert.Equal(t, uint64(1), st.Stats.Faults)
	assert.Contains(t, h.codes(), diagnostics.CodeScriptFault)
}

func TestTickTimeoutDisablesOnlySlowInstance(t *testing.T) {
	h := newHarness(t, Options{FPS: 100, TickTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	slow := native("slow", 1, func(st script.State, _ manifest.Params, _ *script.Facts, l render.Layer) (script.State, error) {
		<-release
		l.Fill(red)
		return st, nil
	})
	fast := paint("fast", 0, keys, green)
	h.e.Activate(newProfile("p", fast, slow))

	start := time.Now()
	h.e.Cycle(context.Background())
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	require.NotNil(t, slow.Fault())
	assert.Equal(t, script.Timeout, slow.Fault().Kind)
	assert.True(t, fast.Enabled())
	assert.Equal(t, render.Grid{green, green, green, green}, h.e.Snapshot())

	stats := h.e.Status().Stats
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Contains(t, h.codes(), diagnostics.CodeScriptTimeout)
	assert.Contains(t, h.codes(), diagnostics.CodeOverrun)

	// still running: cannot be re-enabled yet
	errc := make(chan error, 1)
	go func() { errc <- h.e.Enable(context.Background(), "slow") }()
	require.Eventually(t, func() bool { return len(h.e.requests) == 1 }, time.Second, time.Millisecond)
	h.e.Cycle(context.Background())
	assert.ErrorIs(t, <-errc, script.ErrBusy)

	close(release)
	require.Eventually(t, func() bool { return !slow.Busy() }, time.Second, time.Millisecond)
	assert.Equal(t, render.Grid{green, green, green, green}, h.e.Snapshot(), "late result dropped")

	go func() { errc <- h.e.Enable(context.Background(), "slow") }()
	require.Eventually(t, func() bool { return len(h.e.requests) == 1 }, time.Second, time.Millisecond)
	h.e.Cycle(context.Background())
	require.NoError(t, <-errc)
	assert.True(t, slow.Enabled())
	assert.Equal(t, render.Grid{red, red, red, red}, h.e.Snapshot(), "re-enabled instance renders on top")
}

func TestEnableUnknown(t *testing.T) {
	h := newHarness(t, Options{})
	errc := make(chan error, 1)
	go func() { errc <- h.e.Enable(context.Background(), "ghost") }()
	require.Eventually(t, func() bool { return len(h.e.requests) == 1 }, time.Second, time.Millisecond)
	h.e.Cycle(context.Background())
	assert.ErrorIs(t, <-errc, ErrUnknownInstance)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.e.Enable(ctx, "ghost"), context.Canceled)
}

func TestHardwareErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.fail = []error{&led.HardwareError{Attempts: 3, Err: led.ErrTransient}}
	h.e.Activate(newProfile("p", paint("solid", 0, keys, red)))

	h.e.Cycle(context.Background())
	assert.Empty(t, h.sink.Frames())
	h.e.Cycle(context.Background())
	require.Len(t, h.sink.Frames(), 1, "unsent frame is retried on the next cycle")

	stats := h.e.Status().Stats
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, []string{diagnostics.CodeHardware}, h.codes())
}

func TestFactsReachInstances(t *testing.T) {
	q := telemetry.NewQueue(0)
	sink := &recSink{}
	e := New(&script.Host{}, sink, &telemetry.Sampler{Input: q}, Options{Keys: keys, Workers: 1})
	defer e.Close()

	var got [][]telemetry.Event
	rec := native("rec", 1, func(st script.State, _ manifest.Params, f *script.Facts, _ render.Layer) (script.State, error) {
		got = append(got, f.Events)
		return st, nil
	})
	e.Activate(newProfile("p", rec))
	q.Press(2)
	e.Cycle(context.Background())
	e.Cycle(context.Background())

	require.Len(t, got, 2)
	require.Len(t, got[0], 2)
	assert.Equal(t, 2, got[0][0].Key)
	assert.Empty(t, got[1])
}

func TestStepGatedInstanceKeepsEvents(t *testing.T) {
	q := telemetry.NewQueue(0)
	e := New(&script.Host{}, &recSink{}, &telemetry.Sampler{Input: q}, Options{Keys: keys, Workers: 1})
	defer e.Close()

	seen := map[uint64][]telemetry.Event{}
	rec := native("rec", 2, func(st script.State, _ manifest.Params, f *script.Facts, _ render.Layer) (script.State, error) {
		seen[f.Frame] = f.Events
		return st, nil
	})
	e.Activate(newProfile("p", rec))

	e.Cycle(context.Background()) // frame 0
	q.Push(telemetry.Event{Kind: telemetry.KeyDown, Key: 3})
	e.Cycle(context.Background()) // frame 1, gated
	q.Push(telemetry.Event{Kind: telemetry.KeyUp, Key: 3})
	e.Cycle(context.Background()) // frame 2
	e.Cycle(context.Background()) // frame 3, gated
	e.Cycle(context.Background()) // frame 4

	require.Len(t, seen, 3)
	assert.Empty(t, seen[0])
	require.Len(t, seen[2], 2)
	assert.Equal(t, telemetry.KeyDown, seen[2][0].Kind)
	assert.Equal(t, telemetry.KeyUp, seen[2][1].Kind)
	assert.Equal(t, 3, seen[2][0].Key)
	assert.Empty(t, seen[4], "delivered events are not repeated")
}

func TestLimiterAppliedBeforeFlush(t *testing.T) {
	h := newHarness(t, Options{Limiter: render.Limiter{WhiteCap: 1.5}})
	white := render.Pack(255, 255, 255, 255).Premultiply()
	h.e.Activate(newProfile("p", paint("white", 0, keys, white)))
	h.e.Cycle(context.Background())
	c := h.sink.Frames()[0][0]
	assert.InDelta(t, 1.5, c.R+c.G+c.B, 1e-4)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{FPS: 200})
	h.e.Activate(newProfile("p", paint("solid", 0, keys, red)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()
	require.Eventually(t, func() bool { return h.e.Status().Stats.Frames >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, Idle, h.e.Phase())
	assert.GreaterOrEqual(t, len(h.sink.Frames()), 3)
}
