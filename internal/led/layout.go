package led

import "fmt"

// Layout maps logical key indices to physical LED positions on the wire.
// Keys are numbered row-major. With Serpentine set, odd rows are wired right
// to left. A non-empty Table overrides the grid and gives the physical index
// of every logical key directly.
type Layout struct {
	Rows       int   `yaml:"rows"`
	Cols       int   `yaml:"cols"`
	Serpentine bool  `yaml:"serpentine"`
	Table      []int `yaml:"table,omitempty"`
}

// Count is the number of keys.
func (l Layout) Count() int {
	if len(l.Table) > 0 {
		return len(l.Table)
	}
	return l.Rows * l.Cols
}

// Physical returns the wire position of a logical key.
func (l Layout) Physical(key int) int {
	if len(l.Table) > 0 {
		return l.Table[key]
	}
	row, col := key/l.Cols, key%l.Cols
	if l.Serpentine && row%2 == 1 {
		col = l.Cols - 1 - col
	}
	return row*l.Cols + col
}

// Validate checks that the mapping is a permutation of 0..Count-1.
func (l Layout) Validate() error {
	if len(l.Table) == 0 && (l.Rows <= 0 || l.Cols <= 0) {
		return fmt.Errorf("layout: invalid size %dx%d", l.Rows, l.Cols)
	}
	n := l.Count()
	seen := make([]bool, n)
	for k := 0; k < n; k++ {
		p := l.Physical(k)
		if p < 0 || p >= n {
			return fmt.Errorf("layout: key %d maps to %d, outside 0..%d", k, p, n-1)
		}
		if seen[p] {
			return fmt.Errorf("layout: physical index %d used twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Map returns the physical index of every logical key.
func (l Layout) Map() []int {
	out := make([]int, l.Count())
	for k := range out {
		out[k] = l.Physical(k)
	}
	return out
}
