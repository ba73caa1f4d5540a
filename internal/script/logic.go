// Package script runs effect logic: one sandboxed unit per effect instance,
// once per tick, writing only into that instance's layer.
package script

import (
	"context"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

// Facts is the read-only input of one tick.
type Facts struct {
	Frame    uint64
	Keys     int
	Spectrum telemetry.Spectrum
	Events   []telemetry.Event
}

// State is the per-instance value a Logic threads from one tick into the
// next. nil means "start fresh".
type State any

// Logic is one effect implementation. Tick gets the previous layer content in
// layer and may overwrite any part of it. It returns the state to hand to the
// next call. A Logic is never ticked concurrently with itself.
type Logic interface {
	Tick(ctx context.Context, st State, params manifest.Params, facts *Facts, layer render.Layer) (State, error)
	Close() error
}
