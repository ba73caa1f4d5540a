package led

import (
	"fmt"
	"strings"

	"github.com/coreman2200/keyfx/internal/render"
)

// Order is the channel sequence a device expects for each pixel.
type Order [3]byte

// ParseOrder accepts a permutation of "RGB", case insensitive.
func ParseOrder(s string) (Order, error) {
	s = strings.ToUpper(s)
	if len(s) != 3 || !strings.ContainsRune(s, 'R') || !strings.ContainsRune(s, 'G') || !strings.ContainsRune(s, 'B') {
		return Order{}, fmt.Errorf("led: invalid color order %q", s)
	}
	return Order{s[0], s[1], s[2]}, nil
}

func (o Order) String() string { return string(o[:]) }

// Encoder serializes a grid into a wire frame: three bytes per LED in
// physical order, channels in Order.
type Encoder struct {
	layout Layout
	order  Order
	phys   []int
}

func NewEncoder(l Layout, order string) (*Encoder, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	o, err := ParseOrder(order)
	if err != nil {
		return nil, err
	}
	return &Encoder{layout: l, order: o, phys: l.Map()}, nil
}

func (e *Encoder) Layout() Layout { return e.layout }

// Keys is the number of logical keys.
func (e *Encoder) Keys() int { return len(e.phys) }

// Size is the length of one wire frame in bytes.
func (e *Encoder) Size() int { return 3 * len(e.phys) }

// Encode writes g into dst, growing it if needed, and returns the frame.
func (e *Encoder) Encode(dst []byte, g render.Grid) ([]byte, error) {
	if len(g) != len(e.phys) {
		return dst, render.ErrSizeMismatch
	}
	if cap(dst) < e.Size() {
		dst = make([]byte, e.Size())
	}
	dst = dst[:e.Size()]
	for k, c := range g {
		r, gr, b := c.Bytes()
		e.put(dst[3*e.phys[k]:], r, gr, b)
	}
	return dst, nil
}

func (e *Encoder) put(dst []byte, r, g, b byte) {
	for i, ch := range e.order {
		switch ch {
		case 'R':
			dst[i] = r
		case 'G':
			dst[i] = g
		case 'B':
			dst[i] = b
		}
	}
}

// Decode reverses Encode, returning straight 8-bit RGB per logical key.
func (e *Encoder) Decode(frame []byte) ([][3]byte, error) {
	if len(frame) != e.Size() {
		return nil, render.ErrSizeMismatch
	}
	out := make([][3]byte, len(e.phys))
	for k, p := range e.phys {
		px := frame[3*p : 3*p+3]
		for i, ch := range e.order {
			switch ch {
			case 'R':
				out[k][0] = px[i]
			case 'G':
				out[k][1] = px[i]
			case 'B':
				out[k][2] = px[i]
			}
		}
	}
	return out, nil
}
