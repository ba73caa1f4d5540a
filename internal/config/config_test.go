package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sim", c.Driver)
	assert.Equal(t, 132, c.Layout().Count())
	assert.Equal(t, c.Period(), c.TickTimeout())
	assert.Equal(t, 2*time.Millisecond, c.SinkRetry().Backoff)
	assert.Equal(t, 250*time.Millisecond, c.Debounce())
	assert.Equal(t, filepath.Join("scripts", "lib"), filepath.Clean(c.Libraries()))
	assert.False(t, c.PowerLimiter().Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: term
fps: 60
keys:
  rows: 2
  cols: 3
  serpentine: true
tick_timeout_ms: 5
retry:
  attempts: 5
`), 0644))

	t.Setenv("KEYFX_FPS", "50")
	t.Setenv("KEYFX_AUDIO_TONES", "100,200")
	t.Setenv("KEYFX_RETRY_MAX_BACKOFF_MS", "40")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "term", c.Driver)
	assert.Equal(t, 50, c.FPS, "environment wins over the file")
	assert.Equal(t, 6, c.Layout().Count())
	assert.True(t, c.Keys.Serpentine)
	assert.Equal(t, 5*time.Millisecond, c.TickTimeout())
	assert.Equal(t, 5, c.Retry.Attempts)
	assert.Equal(t, 2, c.Retry.BackoffMS, "unset fields keep defaults")
	assert.Equal(t, 40*time.Millisecond, c.SinkRetry().MaxBackoff)
	assert.Equal(t, []float64{100, 200}, c.Audio.Tones)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := Default()
	c.Driver = "spi"
	c.SPI.Dev = "SPI0.0"
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"driver", func(c *Config) { c.Driver = "pwm" }},
		{"fps", func(c *Config) { c.FPS = 0 }},
		{"layout", func(c *Config) { c.Keys = Keys{Table: []int{1, 1}} }},
		{"color order", func(c *Config) { c.ColorOrder = "RGW" }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"retry", func(c *Config) { c.Retry.Attempts = 0 }},
		{"profile", func(c *Config) { c.Profile = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mod(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
