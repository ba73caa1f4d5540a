package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	algofft "github.com/cwbudde/algo-fft"
	vecmath "github.com/cwbudde/algo-vecmath"
	"github.com/gopxl/beep"
	"github.com/rs/zerolog/log"
)

// ToneConfig describes the synthetic signal analysed by a ToneSource.
type ToneConfig struct {
	Tones      []float64 // Hz
	SampleRate int
	FFTSize    int
	Bands      int
	// Pulse modulates every tone's amplitude at this rate in Hz; 0 keeps
	// the level steady.
	Pulse float64
}

// ToneSource is an AudioSource that stands in for a capture device: it
// mixes sine tones, runs them through an FFT and publishes band levels.
type ToneSource struct {
	cfg   ToneConfig
	mixer *beep.Mixer
	plan  *algofft.Plan[complex128]

	mu      sync.Mutex // guards the analysis buffers below
	frame   [][2]float64
	mono    []float64
	window  []float64
	in, out []complex128
	re, im  []float64
	mag     []float64

	latest atomic.Pointer[Spectrum]
	seq    atomic.Uint64
	pulled atomic.Uint64
}

func NewToneSource(cfg ToneConfig) (*ToneSource, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = 1024
	}
	if cfg.Bands <= 0 {
		cfg.Bands = 16
	}
	half := cfg.FFTSize / 2
	if cfg.Bands > half {
		cfg.Bands = half
	}
	plan, err := algofft.NewPlan64(cfg.FFTSize)
	if err != nil {
		return nil, fmt.Errorf("tone source fft plan: %w", err)
	}

	sr := beep.SampleRate(cfg.SampleRate)
	mixer := &beep.Mixer{}
	if len(cfg.Tones) > 0 {
		amp := 1 / float64(len(cfg.Tones))
		for _, f := range cfg.Tones {
			mixer.Add(&toneGenerator{sr: sr, freq: f, amp: amp, pulse: cfg.Pulse})
		}
	}

	s := &ToneSource{
		cfg:    cfg,
		mixer:  mixer,
		plan:   plan,
		frame:  make([][2]float64, cfg.FFTSize),
		mono:   make([]float64, cfg.FFTSize),
		window: hann(cfg.FFTSize),
		in:     make([]complex128, cfg.FFTSize),
		out:    make([]complex128, cfg.FFTSize),
		re:     make([]float64, half),
		im:     make([]float64, half),
		mag:    make([]float64, half),
	}
	return s, nil
}

// PullLatest implements AudioSource.
func (s *ToneSource) PullLatest() (Spectrum, bool) {
	seq := s.seq.Load()
	if seq == s.pulled.Load() {
		return Spectrum{}, false
	}
	sp := s.latest.Load()
	if sp == nil {
		return Spectrum{}, false
	}
	s.pulled.Store(seq)
	return *sp, true
}

// Run publishes one spectrum per analysis window until ctx is done.
func (s *ToneSource) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) * float64(s.cfg.FFTSize) / float64(s.cfg.SampleRate))
	if period < time.Millisecond {
		period = time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	log.Debug().Dur("period", period).Int("bands", s.cfg.Bands).Msg("tone source running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Step(); err != nil {
				log.Warn().Err(err).Msg("tone source analysis failed")
			}
		}
	}
}

// Step analyses the next window and publishes it.
func (s *ToneSource) Step() (Spectrum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.frame {
		s.frame[i] = [2]float64{}
	}
	s.mixer.Stream(s.frame)
	for i, smp := range s.frame {
		s.mono[i] = (smp[0] + smp[1]) / 2
	}
	vecmath.MulBlockInPlace(s.mono, s.window)
	for i, v := range s.mono {
		s.in[i] = complex(v, 0)
	}
	if err := s.plan.Forward(s.out, s.in); err != nil {
		return Spectrum{}, err
	}
	for k := range s.mag {
		s.re[k] = real(s.out[k])
		s.im[k] = imag(s.out[k])
	}
	vecmath.Magnitude(s.mag, s.re, s.im)

	sp := Spectrum{Bins: s.bands(), At: time.Now()}
	s.latest.Store(&sp)
	s.seq.Add(1)
	return sp, nil
}

// bands folds the magnitude bins into cfg.Bands equal-width bands, each
// holding its peak normalized against a full-scale windowed sine.
func (s *ToneSource) bands() []float64 {
	out := make([]float64, s.cfg.Bands)
	per := len(s.mag) / s.cfg.Bands
	full := float64(s.cfg.FFTSize) / 4
	for b := range out {
		peak := 0.0
		for _, m := range s.mag[b*per : (b+1)*per] {
			peak = math.Max(peak, m)
		}
		out[b] = math.Min(peak/full, 1)
	}
	return out
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// toneGenerator is an endless sine streamer.
type toneGenerator struct {
	sr    beep.SampleRate
	freq  float64
	amp   float64
	pulse float64
	pos   int
}

func (g *toneGenerator) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		t := float64(g.pos) / float64(g.sr)
		v := g.amp * math.Sin(2*math.Pi*g.freq*t)
		if g.pulse > 0 {
			v *= 0.5 + 0.5*math.Sin(2*math.Pi*g.pulse*t)
		}
		samples[i][0] = v
		samples[i][1] = v
		g.pos++
	}
	return len(samples), true
}

func (g *toneGenerator) Err() error { return nil }
