// Package config loads the daemon configuration from YAML with KEYFX_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/coreman2200/keyfx/internal/led"
	"github.com/coreman2200/keyfx/internal/render"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "KEYFX_"

type Keys struct {
	Rows       int   `yaml:"rows" env:"ROWS"`
	Cols       int   `yaml:"cols" env:"COLS"`
	Serpentine bool  `yaml:"serpentine" env:"SERPENTINE"`
	Table      []int `yaml:"table,omitempty" env:"TABLE" envSeparator:","`
}

type SPI struct {
	Dev     string `yaml:"dev" env:"DEV"`           // e.g. SPI0.0; empty picks the first port
	SpeedHz int64  `yaml:"speed_hz" env:"SPEED_HZ"` // e.g. 2500000
}

type Retry struct {
	Attempts     int `yaml:"attempts" env:"ATTEMPTS"`
	BackoffMS    int `yaml:"backoff_ms" env:"BACKOFF_MS"`
	MaxBackoffMS int `yaml:"max_backoff_ms" env:"MAX_BACKOFF_MS"`
}

type Audio struct {
	Enabled    bool      `yaml:"enabled" env:"ENABLED"`
	Tones      []float64 `yaml:"tones" env:"TONES" envSeparator:","`
	SampleRate int       `yaml:"sample_rate" env:"SAMPLE_RATE"`
	FFTSize    int       `yaml:"fft_size" env:"FFT_SIZE"`
	Bands      int       `yaml:"bands" env:"BANDS"`
}

type Limiter struct {
	WhiteCap float64 `yaml:"white_cap" env:"WHITE_CAP"`
	BudgetMA float64 `yaml:"budget_ma" env:"BUDGET_MA"`
	ChanMA   float64 `yaml:"chan_ma" env:"CHAN_MA"`
}

type Config struct {
	Driver     string `yaml:"driver" env:"DRIVER"` // "sim" | "spi" | "term"
	FPS        int    `yaml:"fps" env:"FPS"`
	Keys       Keys   `yaml:"keys" envPrefix:"KEYS_"`
	ColorOrder string `yaml:"color_order" env:"COLOR_ORDER"`
	SPI        SPI    `yaml:"spi,omitempty" envPrefix:"SPI_"`

	ScriptDir  string `yaml:"script_dir" env:"SCRIPT_DIR"`
	LibDir     string `yaml:"lib_dir,omitempty" env:"LIB_DIR"`
	ProfileDir string `yaml:"profile_dir" env:"PROFILE_DIR"`
	Profile    string `yaml:"profile" env:"PROFILE"`

	Workers          int   `yaml:"workers" env:"WORKERS"`
	TickTimeoutMS    int   `yaml:"tick_timeout_ms,omitempty" env:"TICK_TIMEOUT_MS"`
	HookCount        int   `yaml:"hook_count,omitempty" env:"HOOK_COUNT"`
	Retry            Retry `yaml:"retry" envPrefix:"RETRY_"`
	ReloadDebounceMS int   `yaml:"reload_debounce_ms" env:"RELOAD_DEBOUNCE_MS"`

	Addr     string  `yaml:"addr" env:"ADDR"`
	LogLevel string  `yaml:"log_level" env:"LOG_LEVEL"`
	Audio    Audio   `yaml:"audio" envPrefix:"AUDIO_"`
	Limiter  Limiter `yaml:"limiter" envPrefix:"LIMITER_"`
}

func Default() *Config {
	return &Config{
		Driver:           "sim",
		FPS:              30,
		Keys:             Keys{Rows: 6, Cols: 22},
		ColorOrder:       "RGB",
		SPI:              SPI{SpeedHz: 2500000},
		ScriptDir:        "./scripts",
		ProfileDir:       "./profiles",
		Profile:          "default",
		Workers:          max(1, runtime.NumCPU()),
		Retry:            Retry{Attempts: 3, BackoffMS: 2, MaxBackoffMS: 10},
		ReloadDebounceMS: 250,
		Addr:             ":8080",
		LogLevel:         "info",
		Audio:            Audio{Tones: []float64{110, 440, 1760}, SampleRate: 44100, FFTSize: 1024, Bands: 16},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "sim", "spi", "term":
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}
	if c.FPS < 1 || c.FPS > 1000 {
		return fmt.Errorf("config: fps %d outside 1..1000", c.FPS)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := led.ParseOrder(c.ColorOrder); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config: retry attempts must be at least 1")
	}
	if c.Profile == "" {
		return fmt.Errorf("config: profile name required")
	}
	return nil
}

func (c *Config) Layout() led.Layout {
	return led.Layout{Rows: c.Keys.Rows, Cols: c.Keys.Cols, Serpentine: c.Keys.Serpentine, Table: c.Keys.Table}
}

func (c *Config) Period() time.Duration { return time.Second / time.Duration(c.FPS) }

// TickTimeout defaults to one period.
func (c *Config) TickTimeout() time.Duration {
	if c.TickTimeoutMS <= 0 {
		return c.Period()
	}
	return time.Duration(c.TickTimeoutMS) * time.Millisecond
}

func (c *Config) SinkRetry() led.Retry {
	return led.Retry{
		Attempts:   c.Retry.Attempts,
		Backoff:    time.Duration(c.Retry.BackoffMS) * time.Millisecond,
		MaxBackoff: time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
	}
}

func (c *Config) PowerLimiter() render.Limiter {
	return render.Limiter{WhiteCap: c.Limiter.WhiteCap, BudgetMA: c.Limiter.BudgetMA, ChanMA: c.Limiter.ChanMA}
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.ReloadDebounceMS) * time.Millisecond
}

// Libraries is where scripts import shared modules from.
func (c *Config) Libraries() string {
	if c.LibDir != "" {
		return c.LibDir
	}
	return filepath.Join(c.ScriptDir, "lib")
}
