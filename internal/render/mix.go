package render

// Source is one layer handed to Merge together with its instance opacity.
type Source struct {
	Layer   Layer
	Opacity float32
}

// Merge composites srcs into dst with the premultiplied "over" operator.
// Sources are applied in slice order, each one on top of the previous, so
// callers pass them in ascending z-order. dst is cleared first; zero sources
// leave every key dark. Each layer's contribution is scaled by its opacity
// times global.
func Merge(dst Grid, srcs []Source, global float32) error {
	for _, s := range srcs {
		if len(s.Layer) != len(dst) {
			return ErrSizeMismatch
		}
	}
	dst.Clear()
	global = clamp01(global)
	for _, s := range srcs {
		k := clamp01(s.Opacity) * global
		if k == 0 {
			continue
		}
		over(dst, s.Layer, k)
	}
	return nil
}

func over(dst Grid, src Layer, k float32) {
	for i := range dst {
		s := src[i]
		if k != 1 {
			s = Color{R: s.R * k, G: s.G * k, B: s.B * k, A: s.A * k}
		}
		inv := 1 - s.A
		d := dst[i]
		dst[i] = Color{
			R: s.R + d.R*inv,
			G: s.G + d.G*inv,
			B: s.B + d.B*inv,
			A: s.A + d.A*inv,
		}
	}
}
