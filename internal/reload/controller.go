package reload

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/keyfx/internal/diagnostics"
	"github.com/coreman2200/keyfx/internal/profile"
)

// DefaultDebounce coalesces editor save bursts.
const DefaultDebounce = 250 * time.Millisecond

// Activator takes a fully built profile. The render loop swaps it in at its
// next cycle boundary.
type Activator interface {
	Activate(p *profile.Profile)
}

// Controller rebuilds the named profile on request or after file changes.
// A candidate reaches the Activator only when it built completely.
type Controller struct {
	Builder  *profile.Builder
	Store    profile.Store
	Target   Activator
	Debounce time.Duration
	Notify   diagnostics.Sink

	mu   sync.Mutex
	name string
}

func NewController(b *profile.Builder, store profile.Store, target Activator, name string) *Controller {
	return &Controller{Builder: b, Store: store, Target: target, Debounce: DefaultDebounce, name: name}
}

// Profile is the name of the profile being served.
func (c *Controller) Profile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Reload rebuilds the current profile. On failure the active profile is
// left untouched and a *profile.ReloadError is returned.
func (c *Controller) Reload(ctx context.Context) error {
	return c.load(ctx, c.Profile())
}

// Switch builds a different profile and makes it current once it loaded.
func (c *Controller) Switch(ctx context.Context, name string) error {
	if err := c.load(ctx, name); err != nil {
		return err
	}
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
	return nil
}

func (c *Controller) load(ctx context.Context, name string) error {
	start := time.Now()
	p, err := c.Builder.Load(ctx, c.Store, name)
	if err != nil {
		log.Error().Err(err).Str("profile", name).Msg("reload rejected")
		c.notify(diagnostics.Reload(name, err))
		return err
	}
	c.Target.Activate(p)
	log.Info().Str("profile", name).Str("id", p.ID.String()).Int("faulted", len(p.Faults)).
		Dur("took", time.Since(start)).Msg("reload accepted")
	c.notify(diagnostics.Reload(name, nil))
	for _, f := range p.Faults {
		c.notify(diagnostics.Script(f))
	}
	return nil
}

func (c *Controller) notify(d diagnostics.Diagnostic) {
	if c.Notify != nil {
		c.Notify(d)
	}
}

// Run consumes change notifications until ctx is done or changes is
// closed. Changes are coalesced for Debounce before one rebuild.
func (c *Controller) Run(ctx context.Context, changes <-chan string) error {
	debounce := c.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case path, ok := <-changes:
			if !ok {
				return nil
			}
			if !c.affects(path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = c.Reload(ctx)
		}
	}
}

// affects filters out profile files other than the current one.
func (c *Controller) affects(path string) bool {
	if !Relevant(path) {
		return false
	}
	if profile.IsProfileFile(path) {
		return strings.TrimSuffix(filepath.Base(path), ".profile.yaml") == c.Profile()
	}
	return true
}
