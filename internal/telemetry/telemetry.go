// Package telemetry supplies the live inputs effects react to: the latest
// audio spectrum and pending key events.
package telemetry

import (
	"sync"
	"time"
)

// Spectrum is one magnitude snapshot, bins normalized to [0,1].
type Spectrum struct {
	Bins []float64
	At   time.Time
}

// AudioSource hands out the newest spectrum, or false when nothing new was
// produced since the previous pull. It must not block.
type AudioSource interface {
	PullLatest() (Spectrum, bool)
}

type EventKind int

const (
	KeyDown EventKind = iota
	KeyUp
)

func (k EventKind) String() string {
	if k == KeyUp {
		return "up"
	}
	return "down"
}

// Event is a key transition on a logical key index.
type Event struct {
	Kind EventKind
	Key  int
	At   time.Time
}

// InputSource returns and clears pending events in arrival order.
type InputSource interface {
	DrainPending() []Event
}

// Queue is an InputSource fed by Push. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []Event
	limit   int
}

// NewQueue creates a queue holding at most limit events; older events are
// dropped first. limit <= 0 means unbounded.
func NewQueue(limit int) *Queue { return &Queue{limit: limit} }

func (q *Queue) Push(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	if q.limit > 0 && len(q.pending) > q.limit {
		q.pending = q.pending[len(q.pending)-q.limit:]
	}
	q.mu.Unlock()
}

// Press queues a key down immediately followed by a key up.
func (q *Queue) Press(key int) {
	now := time.Now()
	q.Push(Event{Kind: KeyDown, Key: key, At: now})
	q.Push(Event{Kind: KeyUp, Key: key, At: now})
}

func (q *Queue) DrainPending() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

// Snapshot is what one sampling pass produced.
type Snapshot struct {
	Spectrum Spectrum
	Events   []Event
	// Stale is set when the spectrum was reused from an earlier pass.
	Stale bool
}

// Sampler polls both sources without blocking and keeps the last spectrum
// for cycles where the audio producer had nothing new. Either source may be
// nil. Not safe for concurrent use; the render loop owns it.
type Sampler struct {
	Audio AudioSource
	Input InputSource

	last Spectrum
}

func (s *Sampler) Sample() Snapshot {
	snap := Snapshot{Spectrum: s.last, Stale: true}
	if s.Audio != nil {
		if sp, ok := s.Audio.PullLatest(); ok {
			s.last = sp
			snap.Spectrum = sp
			snap.Stale = false
		}
	}
	if s.Input != nil {
		snap.Events = s.Input.DrainPending()
	}
	return snap
}
