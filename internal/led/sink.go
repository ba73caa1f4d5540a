package led

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/render"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("led: sink closed")

// HardwareError reports a frame that could not be written within the retry
// budget.
type HardwareError struct {
	Attempts int
	Err      error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("led: write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// Retry bounds the attempts made for one frame. The wait doubles after every
// failure up to MaxBackoff.
type Retry struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetry is used for zero-valued fields.
var DefaultRetry = Retry{Attempts: 3, Backoff: 2 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}

// Sink encodes grids and writes them to a Device, one frame at a time.
type Sink struct {
	dev   Device
	enc   *Encoder
	retry Retry
	sleep func(time.Duration)

	mu     sync.Mutex
	buf    []byte
	closed bool

	frames   atomic.Uint64
	failures atomic.Uint64
	retries  atomic.Uint64
}

func NewSink(dev Device, enc *Encoder, r Retry) *Sink {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetry.Attempts
	}
	if r.Backoff <= 0 {
		r.Backoff = DefaultRetry.Backoff
	}
	if r.MaxBackoff < r.Backoff {
		r.MaxBackoff = r.Backoff
	}
	return &Sink{dev: dev, enc: enc, retry: r, sleep: time.Sleep}
}

// Encoder returns the wire encoder of the sink.
func (s *Sink) Encoder() *Encoder { return s.enc }

func (s *Sink) Open() error {
	if err := s.dev.Open(); err != nil {
		return fmt.Errorf("led: open device: %w", err)
	}
	return nil
}

// Write sends g to the device. Transient failures are retried with backoff;
// when the budget is spent a *HardwareError is returned and the frame is
// dropped.
func (s *Sink) Write(g render.Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frame, err := s.enc.Encode(s.buf, g)
	if err != nil {
		return err
	}
	s.buf = frame

	wait := s.retry.Backoff
	for attempt := 1; ; attempt++ {
		err = s.dev.Write(frame)
		if err == nil {
			s.frames.Add(1)
			return nil
		}
		if attempt >= s.retry.Attempts {
			break
		}
		s.retries.Add(1)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("device write failed, retrying")
		s.sleep(wait)
		wait *= 2
		if wait > s.retry.MaxBackoff {
			wait = s.retry.MaxBackoff
		}
	}
	s.failures.Add(1)
	return &HardwareError{Attempts: s.retry.Attempts, Err: err}
}

// Close releases the device. Later writes fail with ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.dev.Close()
}

// SinkStats counts frames since the sink was created.
type SinkStats struct {
	Frames   uint64 `json:"frames"`
	Failures uint64 `json:"failures"`
	Retries  uint64 `json:"retries"`
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{Frames: s.frames.Load(), Failures: s.failures.Load(), Retries: s.retries.Load()}
}
