package render

import "math"

const (
	redShift   = 24
	greenShift = 16
	blueShift  = 8
	alphaShift = 0
)

// RGBA is a straight (non-premultiplied) 8-bit color packed as 0xRRGGBBAA,
// the representation used by manifests and scripts.
type RGBA uint32

// Pack builds an RGBA from its channels.
func Pack(r, g, b, a uint8) RGBA {
	return RGBA(uint32(r)<<redShift | uint32(g)<<greenShift | uint32(b)<<blueShift | uint32(a)<<alphaShift)
}

func channel(c RGBA, shift uint8) uint8 {
	return uint8((uint32(c) >> shift) & 0xFF)
}

// Channels unpacks r, g, b, a.
func (c RGBA) Channels() (r, g, b, a uint8) {
	return channel(c, redShift), channel(c, greenShift), channel(c, blueShift), channel(c, alphaShift)
}

func (c RGBA) R() uint8 { return channel(c, redShift) }
func (c RGBA) G() uint8 { return channel(c, greenShift) }
func (c RGBA) B() uint8 { return channel(c, blueShift) }
func (c RGBA) A() uint8 { return channel(c, alphaShift) }

// WithAlpha returns c with its alpha channel replaced.
func (c RGBA) WithAlpha(a uint8) RGBA {
	mask := uint32(0xFF) << alphaShift
	return RGBA(uint32(c)&^mask | uint32(a)<<alphaShift)
}

// Premultiply converts to the compositor's premultiplied float form.
func (c RGBA) Premultiply() Color {
	r, g, b, a := c.Channels()
	af := float32(a) / 255
	return Color{
		R: float32(r) / 255 * af,
		G: float32(g) / 255 * af,
		B: float32(b) / 255 * af,
		A: af,
	}
}

// Color is a premultiplied RGBA value, channels in [0,1].
type Color struct{ R, G, B, A float32 }

// Straight converts back to a straight 8-bit color. A fully transparent
// color loses its RGB information.
func (c Color) Straight() RGBA {
	if c.A <= 0 {
		return 0
	}
	a := clamp01(c.A)
	return Pack(
		to8(c.R/a),
		to8(c.G/a),
		to8(c.B/a),
		to8(a),
	)
}

// Bytes returns the color composited over black as 8-bit RGB, which is what
// the hardware shows.
func (c Color) Bytes() (r, g, b uint8) {
	return to8(c.R), to8(c.G), to8(c.B)
}

func to8(x float32) uint8 {
	return uint8(math.Round(float64(clamp01(x)) * 255))
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
