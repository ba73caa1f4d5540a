package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/script"
)

// Builder turns a Config into a Profile. Every referenced file is checked
// before any script is loaded, then instances are built in parallel. A
// missing file or a malformed profile discards the whole candidate. An
// instance whose manifest, overrides or script are rejected is kept
// disabled with its fault and the rest of the profile is built.
type Builder struct {
	Host      *script.Host
	ScriptDir string
	Keys      int
	// Workers bounds parallel loads; zero uses the CPU count.
	Workers int
}

type planned struct {
	z        int
	id       string
	path     string
	manifest string
	cfg      InstanceConfig
}

// Load builds the named profile from store.
func (b *Builder) Load(ctx context.Context, store Store, name string) (*Profile, error) {
	cfg, err := store.Load(name)
	if err != nil {
		return nil, &ReloadError{Profile: name, Err: err}
	}
	return b.Build(ctx, cfg)
}

func (b *Builder) Build(ctx context.Context, cfg *Config) (*Profile, error) {
	opacity, err := checkOpacity(cfg.Opacity)
	if err != nil {
		return nil, &ReloadError{Profile: cfg.Name, Err: err}
	}
	plans, err := b.plan(cfg)
	if err != nil {
		return nil, err
	}

	insts := make([]*script.Instance, len(plans))
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range plans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inst, err := b.instance(p)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return &ReloadError{Profile: cfg.Name, Instance: p.id, Err: err}
			case err != nil:
				inst = b.faulted(p, err)
			}
			insts[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, inst := range insts {
			if inst != nil {
				_ = inst.Close()
			}
		}
		var re *ReloadError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, &ReloadError{Profile: cfg.Name, Err: err}
	}

	p := &Profile{
		ID:        uuid.New(),
		Name:      cfg.Name,
		Opacity:   opacity,
		Keys:      b.Keys,
		Instances: insts,
	}
	for i, pl := range plans {
		p.Files = append(p.Files, pl.manifest)
		if m := insts[i].Manifest; m == nil || m.Kind != manifest.KindNative {
			p.Files = append(p.Files, pl.path)
		}
		if f := insts[i].Fault(); f != nil {
			p.Faults = append(p.Faults, f)
		}
	}
	log.Debug().Str("profile", p.Name).Str("id", p.ID.String()).Int("instances", len(insts)).
		Int("faulted", len(p.Faults)).Msg("profile built")
	return p, nil
}

// plan assigns ids and verifies that every manifest exists.
func (b *Builder) plan(cfg *Config) ([]planned, error) {
	seen := map[string]bool{}
	plans := make([]planned, 0, len(cfg.Instances))
	for z, ic := range cfg.Instances {
		id := ic.ID
		if id == "" {
			base := filepath.Base(ic.Script)
			id = fmt.Sprintf("%d-%s", z, strings.TrimSuffix(base, filepath.Ext(base)))
		}
		if ic.Script == "" {
			return nil, &ReloadError{Profile: cfg.Name, Instance: id, Err: errors.New("script required")}
		}
		if seen[id] {
			return nil, &ReloadError{Profile: cfg.Name, Instance: id, Err: errors.New("duplicate instance id")}
		}
		seen[id] = true

		path := ic.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(b.ScriptDir, path)
		}
		mpath := manifest.Path(path)
		if _, err := os.Stat(mpath); err != nil {
			return nil, &ReloadError{Profile: cfg.Name, Instance: id, Err: err}
		}
		plans = append(plans, planned{z: z, id: id, path: path, manifest: mpath, cfg: ic})
	}
	return plans, nil
}

func (b *Builder) instance(p planned) (*script.Instance, error) {
	m, err := manifest.LoadFile(p.manifest)
	if err != nil {
		return nil, err
	}
	params, err := manifest.Resolve(m, p.cfg.Overrides)
	if err != nil {
		return nil, err
	}
	opacity, err := checkOpacity(p.cfg.Opacity)
	if err != nil {
		return nil, err
	}
	logic, err := b.Host.Load(m, p.path, b.Keys)
	if err != nil {
		return nil, err
	}
	inst := script.NewInstance(p.id, m, params, logic, b.Keys)
	inst.Script = p.cfg.Script
	inst.Z = p.z
	inst.Opacity = opacity
	if p.cfg.Enabled != nil && !*p.cfg.Enabled {
		inst.Disable(nil)
	}
	return inst, nil
}

// faulted stands in for an instance that failed to load. The manifest is
// kept when it parsed so the instance still reports its effect name.
func (b *Builder) faulted(p planned, err error) *script.Instance {
	m, merr := manifest.LoadFile(p.manifest)
	if merr != nil {
		m = nil
	}
	inst := script.NewFaulted(p.id, m, b.Keys, err)
	inst.Script = p.cfg.Script
	inst.Z = p.z
	return inst
}

func checkOpacity(v *float64) (float32, error) {
	if v == nil {
		return 1, nil
	}
	if *v < 0 || *v > 1 {
		return 0, fmt.Errorf("opacity %g outside 0..1", *v)
	}
	return float32(*v), nil
}
