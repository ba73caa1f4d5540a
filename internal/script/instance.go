package script

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

// maxDeferred bounds the input events held for an instance between ticks.
const maxDeferred = 256

// ErrBusy is returned when an instance is re-enabled while a timed-out tick
// is still running.
var ErrBusy = errors.New("script: instance still ticking")

// ErrNotLoaded is returned when enabling an instance that failed to load.
var ErrNotLoaded = errors.New("script: instance failed to load; fix it and reload")

// Instance is one configured effect within a profile. Its layer is written
// only by its own tick; the compositor reads Layer between ticks.
type Instance struct {
	ID       string
	Script   string
	Manifest *manifest.Manifest
	Params   manifest.Params
	Opacity  float32
	Z        int

	logic     Logic
	state     State
	published render.Layer
	work      render.Layer
	updated   uint64

	enabled atomic.Bool
	busy    atomic.Bool
	fault   atomic.Pointer[ScriptError]

	evMu     sync.Mutex
	deferred []telemetry.Event
}

// NewInstance binds logic to a manifest and resolved parameters. The
// instance starts enabled with a transparent layer of keys entries.
func NewInstance(id string, m *manifest.Manifest, params manifest.Params, logic Logic, keys int) *Instance {
	inst := &Instance{
		ID:        id,
		Manifest:  m,
		Params:    params,
		Opacity:   1,
		logic:     logic,
		published: render.NewLayer(keys),
		work:      render.NewLayer(keys),
	}
	inst.enabled.Store(true)
	return inst
}

// NewFaulted records an instance that could not be loaded. It holds a
// transparent layer, never ticks and reports err as its fault. m may be nil
// when the manifest itself was rejected.
func NewFaulted(id string, m *manifest.Manifest, keys int, err error) *Instance {
	inst := NewInstance(id, m, nil, nil, keys)
	inst.Disable(&ScriptError{Kind: LoadFault, Instance: id, Err: err})
	return inst
}

// Step is the tick cadence, at least 1.
func (i *Instance) Step() uint64 {
	if i.Manifest == nil || i.Manifest.Step < 1 {
		return 1
	}
	return uint64(i.Manifest.Step)
}

func (i *Instance) Name() string {
	if i.Manifest == nil {
		return i.ID
	}
	return i.Manifest.Name
}

// Layer is the last completed buffer.
func (i *Instance) Layer() render.Layer { return i.published }

// Enabled reports whether the instance is ticked and composited.
func (i *Instance) Enabled() bool { return i.enabled.Load() }

// Busy reports whether a tick is in flight.
func (i *Instance) Busy() bool { return i.busy.Load() }

// Fault is the error that disabled the instance, if any.
func (i *Instance) Fault() *ScriptError { return i.fault.Load() }

// Disable stops the instance. err may be nil for a plain switch-off.
func (i *Instance) Disable(err *ScriptError) {
	i.enabled.Store(false)
	if err == nil {
		return
	}
	i.fault.Store(err)
	log.Error().Err(err).Str("instance", i.ID).Str("effect", i.Name()).Uint64("frame", err.Frame).
		Msg("instance disabled")
}

// Enable clears a fault and restarts the effect from fresh state. It must
// not be called while a tick cycle is running.
func (i *Instance) Enable() error {
	if i.logic == nil {
		return ErrNotLoaded
	}
	if i.busy.Load() {
		return ErrBusy
	}
	i.fault.Store(nil)
	i.state = nil
	i.evMu.Lock()
	i.deferred = nil
	i.evMu.Unlock()
	i.published.Clear()
	i.work.Clear()
	i.enabled.Store(true)
	return nil
}

// Defer keeps events for a frame on which the instance does not tick. They
// are delivered ahead of the events of its next tick. When more than
// maxDeferred pile up the oldest are dropped.
func (i *Instance) Defer(events []telemetry.Event) {
	if len(events) == 0 || !i.Enabled() {
		return
	}
	i.evMu.Lock()
	defer i.evMu.Unlock()
	i.deferred = append(i.deferred, events...)
	if over := len(i.deferred) - maxDeferred; over > 0 {
		i.deferred = append(i.deferred[:0], i.deferred[over:]...)
	}
}

// events returns the deferred events followed by current and empties the
// buffer.
func (i *Instance) events(current []telemetry.Event) []telemetry.Event {
	i.evMu.Lock()
	defer i.evMu.Unlock()
	if len(i.deferred) == 0 {
		return current
	}
	out := append(i.deferred, current...)
	i.deferred = nil
	return out
}

// Result is the outcome of one Host.Run. Commit applies it.
type Result struct {
	Inst  *Instance
	Frame uint64
	// Ran is set when the logic was invoked; step-gated and disabled
	// instances leave their layer untouched.
	Ran   bool
	State State
	Err   *ScriptError
}

// Commit publishes a finished tick or disables the instance on failure.
// Called from the thread that owns the tick cycle.
func (i *Instance) Commit(res Result) *ScriptError {
	if res.Err != nil {
		i.Disable(res.Err)
		return res.Err
	}
	if !res.Ran {
		return nil
	}
	i.state = res.State
	i.published, i.work = i.work, i.published
	i.updated = res.Frame
	return nil
}

// Close releases the logic. The instance must not be ticked afterwards.
func (i *Instance) Close() error {
	i.enabled.Store(false)
	if i.logic == nil {
		return nil
	}
	return i.logic.Close()
}

// Status is the management view of an instance.
type Status struct {
	ID        string    `json:"id"`
	Effect    string    `json:"effect"`
	Script    string    `json:"script"`
	Z         int       `json:"z"`
	Enabled   bool      `json:"enabled"`
	FaultKind ErrorKind `json:"fault_kind,omitempty"`
	Fault     string    `json:"fault,omitempty"`
	Updated   uint64    `json:"updated"`
}

func (i *Instance) Status() Status {
	st := Status{
		ID:      i.ID,
		Effect:  i.Name(),
		Script:  i.Script,
		Z:       i.Z,
		Enabled: i.Enabled(),
		Updated: i.updated,
	}
	if f := i.Fault(); f != nil {
		st.FaultKind = f.Kind
		st.Fault = f.Err.Error()
	}
	return st
}
