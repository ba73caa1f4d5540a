package manifest

import (
	"math"
	"strconv"
	"strings"

	"github.com/coreman2200/keyfx/internal/render"
)

// Params holds effective parameter values keyed by name, one entry for every
// parameter the manifest declares.
type Params map[string]any

// Resolve applies overrides on top of the manifest defaults. Values are not
// range checked; they are forwarded to the effect as given.
func Resolve(m *Manifest, overrides map[string]any) (Params, error) {
	out := make(Params, len(m.Params))
	for _, p := range m.Params {
		out[p.Name] = p.Default
	}
	for name, raw := range overrides {
		spec, ok := m.Param(name)
		if !ok {
			return nil, &ConfigError{Kind: UnknownParameter, Param: name, Got: raw}
		}
		v, ok := coerce(spec.Type, raw)
		if !ok {
			return nil, &ConfigError{Kind: ConfigTypeMismatch, Param: name, Want: spec.Type, Got: raw}
		}
		out[name] = v
	}
	return out, nil
}

func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

func (p Params) Int(name string) int64 {
	v, _ := p[name].(int64)
	return v
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

func (p Params) Color(name string) render.RGBA {
	v, _ := p[name].(render.RGBA)
	return v
}

func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// coerce converts a decoded TOML or YAML value to the canonical Go
// representation of t. Integers widen to floats; floats narrow to ints only
// when integral.
func coerce(t Type, v any) (any, bool) {
	switch t {
	case TypeFloat:
		if f, ok := asFloat(v); ok {
			return f, true
		}
		if i, ok := asInt(v); ok {
			return float64(i), true
		}
	case TypeInt:
		if i, ok := asInt(v); ok {
			return i, true
		}
		if f, ok := asFloat(v); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), true
		}
	case TypeBool:
		b, ok := v.(bool)
		return b, ok
	case TypeColor:
		return asColor(v)
	case TypeString:
		s, ok := v.(string)
		return s, ok
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	}
	return 0, false
}

// asColor accepts 0xRRGGBBAA integers and "0xRRGGBBAA", "#RRGGBBAA" or
// "#RRGGBB" strings.
func asColor(v any) (any, bool) {
	if c, ok := v.(render.RGBA); ok {
		return c, true
	}
	if i, ok := asInt(v); ok {
		if i < 0 || i > math.MaxUint32 {
			return nil, false
		}
		return render.RGBA(i), true
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	case strings.HasPrefix(s, "#"):
		s = s[1:]
	default:
		return nil, false
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return nil, false
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, false
	}
	return render.RGBA(n), true
}
