package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/script"
)

const fillManifest = `name = "Fill"
description = "Fills every key"
version = "1.0.0"
author = "keyfx"
min_supported_version = "0.1.0"

[[config.param]]
type = "color"
name = "color"
description = "Fill color"
default = 0xff0000ff
`

const fillScript = `function on_tick() fill(config.color) end`

const solidManifest = `name = "Solid"
description = "Native solid fill"
version = "1.0.0"
author = "keyfx"
min_supported_version = "0.1.0"
kind = "native"
entry = "solid"

[[config.param]]
type = "color"
name = "color"
description = "Fill color"
default = 0x0000ffff

[[config.param]]
type = "int"
name = "pulse_frames"
description = "Breathing period"
default = 0
`

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func scriptDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "fill.lua"), fillScript)
	writeFile(t, filepath.Join(dir, "fill.lua.manifest"), fillManifest)
	writeFile(t, filepath.Join(dir, "solid.native.manifest"), solidManifest)
	return dir
}

func newBuilder(t *testing.T) *Builder {
	return &Builder{Host: &script.Host{Natives: script.Builtins()}, ScriptDir: scriptDir(t), Keys: 4, Workers: 2}
}

func ptr[T any](v T) *T { return &v }

func TestBuild(t *testing.T) {
	b := newBuilder(t)
	cfg := &Config{
		Name:    "test",
		Opacity: ptr(0.5),
		Instances: []InstanceConfig{
			{Script: "fill.lua"},
			{ID: "top", Script: "solid.native", Overrides: map[string]any{"color": "#00ff00"}, Opacity: ptr(0.25)},
			{Script: "fill.lua", Enabled: ptr(false)},
		},
	}
	p, err := b.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Close()

	assert.NotEmpty(t, p.ID.String())
	assert.Equal(t, float32(0.5), p.Opacity)
	require.Len(t, p.Instances, 3)

	ids := []string{}
	for z, inst := range p.Instances {
		ids = append(ids, inst.ID)
		assert.Equal(t, z, inst.Z)
	}
	assert.Equal(t, []string{"0-fill", "top", "2-fill"}, ids)

	top, ok := p.Instance("top")
	require.True(t, ok)
	assert.Equal(t, float32(0.25), top.Opacity)
	assert.Equal(t, uint32(0x00ff00ff), uint32(top.Params.Color("color")))
	assert.True(t, top.Enabled())
	assert.False(t, p.Instances[2].Enabled())
	assert.Nil(t, p.Instances[2].Fault())

	assert.Equal(t, []string{
		filepath.Join(b.ScriptDir, "fill.lua.manifest"),
		filepath.Join(b.ScriptDir, "fill.lua"),
		filepath.Join(b.ScriptDir, "solid.native.manifest"),
		filepath.Join(b.ScriptDir, "fill.lua.manifest"),
		filepath.Join(b.ScriptDir, "fill.lua"),
	}, p.Files)
}

func TestBuildFailures(t *testing.T) {
	b := newBuilder(t)
	writeFile(t, filepath.Join(b.ScriptDir, "orphan.lua.manifest"), fillManifest)

	tests := []struct {
		name     string
		cfg      Config
		instance string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "missing manifest",
			cfg:      Config{Instances: []InstanceConfig{{Script: "fill.lua"}, {Script: "nope.lua"}}},
			instance: "1-nope",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, os.ErrNotExist))
			},
		},
		{
			name:     "missing script",
			cfg:      Config{Instances: []InstanceConfig{{Script: "fill.lua"}, {Script: "orphan.lua"}}},
			instance: "1-orphan",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, os.ErrNotExist))
			},
		},
		{
			name:     "bad profile opacity",
			cfg:      Config{Opacity: ptr(-0.5), Instances: []InstanceConfig{{Script: "fill.lua"}}},
		},
		{
			name:     "duplicate id",
			cfg:      Config{Instances: []InstanceConfig{{ID: "a", Script: "fill.lua"}, {ID: "a", Script: "fill.lua"}}},
			instance: "a",
		},
		{
			name:     "empty script",
			cfg:      Config{Instances: []InstanceConfig{{ID: "x"}}},
			instance: "x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Name = "bad"
			p, err := b.Build(context.Background(), &tt.cfg)
			assert.Nil(t, p)
			var re *ReloadError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "bad", re.Profile)
			assert.Equal(t, tt.instance, re.Instance)
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestBuildKeepsFaultedInstances(t *testing.T) {
	b := newBuilder(t)
	writeFile(t, filepath.Join(b.ScriptDir, "broken.lua"), "function on_tick(")
	writeFile(t, filepath.Join(b.ScriptDir, "broken.lua.manifest"), fillManifest)
	writeFile(t, filepath.Join(b.ScriptDir, "nameless.lua"), fillScript)
	writeFile(t, filepath.Join(b.ScriptDir, "nameless.lua.manifest"), "version = \"1.0.0\"\n")

	tests := []struct {
		name  string
		bad   InstanceConfig
		check func(t *testing.T, err error)
	}{
		{
			name: "bad override",
			bad:  InstanceConfig{ID: "bad", Script: "fill.lua", Overrides: map[string]any{"color": true}},
			check: func(t *testing.T, err error) {
				assert.True(t, manifest.IsConfigError(err, manifest.ConfigTypeMismatch))
			},
		},
		{
			name: "syntax error",
			bad:  InstanceConfig{ID: "bad", Script: "broken.lua"},
		},
		{
			name: "invalid manifest",
			bad:  InstanceConfig{ID: "bad", Script: "nameless.lua"},
			check: func(t *testing.T, err error) {
				var se *manifest.SchemaError
				assert.ErrorAs(t, err, &se)
			},
		},
		{
			name: "instance opacity",
			bad:  InstanceConfig{ID: "bad", Script: "solid.native", Opacity: ptr(1.5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Name: "mixed", Instances: []InstanceConfig{{ID: "good", Script: "fill.lua"}, tt.bad}}
			p, err := b.Build(context.Background(), cfg)
			require.NoError(t, err)
			defer p.Close()
			require.Len(t, p.Instances, 2)

			good, ok := p.Instance("good")
			require.True(t, ok)
			assert.True(t, good.Enabled())
			assert.Nil(t, good.Fault())

			bad, ok := p.Instance("bad")
			require.True(t, ok)
			assert.False(t, bad.Enabled())
			assert.Equal(t, 1, bad.Z)
			assert.Equal(t, tt.bad.Script, bad.Script)
			require.NotNil(t, bad.Fault())
			assert.Equal(t, script.LoadFault, bad.Fault().Kind)
			assert.Equal(t, "bad", bad.Fault().Instance)
			assert.Equal(t, []*script.ScriptError{bad.Fault()}, p.Faults)
			assert.ErrorIs(t, bad.Enable(), script.ErrNotLoaded)
			assert.False(t, bad.Enabled())
			if tt.check != nil {
				tt.check(t, bad.Fault())
			}
		})
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newBuilder(t).Build(ctx, &Config{Name: "c", Instances: []InstanceConfig{{Script: "fill.lua"}}})
	var re *ReloadError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore(t *testing.T) {
	s := FileStore{Dir: t.TempDir()}
	_, err := s.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &Config{
		Name:    "desk",
		Opacity: ptr(0.8),
		Instances: []InstanceConfig{
			{Script: "afterglow.lua", Overrides: map[string]any{"alpha_step_afterglow": 8}},
		},
	}
	require.NoError(t, s.Save(cfg))
	assert.True(t, IsProfileFile(s.Path("desk")))

	got, err := s.Load("desk")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	writeFile(t, filepath.Join(s.Dir, "other.profile.yaml"), "instances: []\n")
	writeFile(t, filepath.Join(s.Dir, "notes.txt"), "")
	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"desk", "other"}, names)

	other, err := s.Load("other")
	require.NoError(t, err)
	assert.Equal(t, "other", other.Name)

	assert.Error(t, s.Save(&Config{}))
}

func TestBuilderLoad(t *testing.T) {
	b := newBuilder(t)
	s := FileStore{Dir: t.TempDir()}
	require.NoError(t, s.Save(&Config{Name: "p", Instances: []InstanceConfig{{Script: "solid.native"}}}))

	p, err := b.Load(context.Background(), s, "p")
	require.NoError(t, err)
	assert.Equal(t, "p", p.Name)
	require.NoError(t, p.Close())

	_, err = b.Load(context.Background(), s, "q")
	var re *ReloadError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrNotFound)
}
