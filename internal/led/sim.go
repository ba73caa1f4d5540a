package led

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrTransient is the failure injected by SimDevice.FailNext.
var ErrTransient = errors.New("led: simulated transient failure")

// SimDevice keeps the frames written to it. It stands in for hardware in
// headless runs and tests.
type SimDevice struct {
	// Keep bounds the number of retained frames; zero keeps all of them.
	Keep int

	mu     sync.Mutex
	open   bool
	frames [][]byte
	count  int
	fail   int
}

func (d *SimDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *SimDevice) Write(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	if d.fail > 0 {
		d.fail--
		return ErrTransient
	}
	d.count++
	d.frames = append(d.frames, append([]byte(nil), frame...))
	if d.Keep > 0 && len(d.frames) > d.Keep {
		d.frames = d.frames[len(d.frames)-d.Keep:]
	}
	if e := log.Trace(); e.Enabled() {
		var sum int
		for _, b := range frame {
			sum += int(b)
		}
		avg := 0
		if len(frame) > 0 {
			avg = sum / len(frame)
		}
		e.Int("frame", d.count).Int("avg", avg).Msg("sim write")
	}
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// FailNext makes the next n writes fail with ErrTransient.
func (d *SimDevice) FailNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// Frames returns copies of the retained frames, oldest first.
func (d *SimDevice) Frames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.frames))
	for i, f := range d.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Count is the number of successful writes.
func (d *SimDevice) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Last returns the most recent frame, or nil.
func (d *SimDevice) Last() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return append([]byte(nil), d.frames[len(d.frames)-1]...)
}
