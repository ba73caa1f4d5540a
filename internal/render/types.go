package render

import "errors"

// ErrSizeMismatch is returned when buffers of different key counts meet.
var ErrSizeMismatch = errors.New("render: buffer size mismatch")

// Layer is the per-key buffer owned by one effect instance.
type Layer []Color

// NewLayer allocates a transparent layer for n keys.
func NewLayer(n int) Layer { return make(Layer, n) }

// Fill sets every key to c.
func (l Layer) Fill(c Color) {
	for i := range l {
		l[i] = c
	}
}

// Clear makes every key transparent.
func (l Layer) Clear() { l.Fill(Color{}) }

// Clone returns an independent copy.
func (l Layer) Clone() Layer {
	out := make(Layer, len(l))
	copy(out, l)
	return out
}

// Grid is the composited per-key output owned by the compositor.
type Grid []Color

func NewGrid(n int) Grid { return make(Grid, n) }

func (g Grid) Fill(c Color) {
	for i := range g {
		g[i] = c
	}
}

func (g Grid) Clear() { g.Fill(Color{}) }

func (g Grid) Clone() Grid {
	out := make(Grid, len(g))
	copy(out, g)
	return out
}

// Equal reports whether both grids hold the same colors.
func (g Grid) Equal(o Grid) bool {
	if len(g) != len(o) {
		return false
	}
	for i := range g {
		if g[i] != o[i] {
			return false
		}
	}
	return true
}
