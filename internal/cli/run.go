package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coreman2200/keyfx/internal/config"
	"github.com/coreman2200/keyfx/internal/engine"
	"github.com/coreman2200/keyfx/internal/led"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/reload"
	"github.com/coreman2200/keyfx/internal/telemetry"
	"github.com/coreman2200/keyfx/internal/ws"
)

// RunOptions are flags that override the config file for one run.
type RunOptions struct {
	Driver  string
	FPS     int
	Profile string
	Addr    string
	NoWatch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the render loop",
		Long: `Load the configured profile, drive the keyboard at the configured frame
rate and serve the management API. Script, manifest and profile edits are
picked up while running.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg, !opts.NoWatch)
		},
	}

	cmd.Flags().StringVar(&opts.Driver, "driver", "", "output device (sim|spi|term)")
	cmd.Flags().IntVar(&opts.FPS, "fps", 0, "frame rate")
	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "profile to load")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "management listen address; \"-\" disables it")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload on file changes")
	return cmd
}

func (o *RunOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("driver") {
		cfg.Driver = o.Driver
	}
	if f.Changed("fps") {
		cfg.FPS = o.FPS
	}
	if f.Changed("profile") {
		cfg.Profile = o.Profile
	}
	if f.Changed("addr") {
		cfg.Addr = o.Addr
		if o.Addr == "-" {
			cfg.Addr = ""
		}
	}
	return cfg.Validate()
}

// openDevice creates the handle for cfg.Driver. quit is called when the
// device itself asks to stop, as the terminal preview does on Esc.
func openDevice(cfg *config.Config, enc *led.Encoder, input *telemetry.Queue, quit func()) (led.Device, error) {
	switch cfg.Driver {
	case "spi":
		return led.OpenSPI(cfg.SPI.Dev, enc.Keys(), cfg.SPI.SpeedHz)
	case "term":
		screen, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("terminal: %w", err)
		}
		return led.NewTermDevice(screen, enc, input, quit), nil
	case "sim", "":
		return &led.SimDevice{}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// Run serves cfg until ctx is done.
func Run(ctx context.Context, cfg *config.Config, watch bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc, err := led.NewEncoder(cfg.Layout(), cfg.ColorOrder)
	if err != nil {
		return err
	}
	input := telemetry.NewQueue(256)
	dev, err := openDevice(cfg, enc, input, cancel)
	if err != nil {
		return err
	}
	sink := led.NewSink(dev, enc, cfg.SinkRetry())
	if err := sink.Open(); err != nil {
		return fmt.Errorf("open %s device: %w", cfg.Driver, err)
	}
	defer sink.Close()

	g, ctx := errgroup.WithContext(ctx)

	sampler := &telemetry.Sampler{Input: input}
	if cfg.Audio.Enabled {
		tones, err := telemetry.NewToneSource(telemetry.ToneConfig{
			Tones:      cfg.Audio.Tones,
			SampleRate: cfg.Audio.SampleRate,
			FFTSize:    cfg.Audio.FFTSize,
			Bands:      cfg.Audio.Bands,
		})
		if err != nil {
			return err
		}
		sampler.Audio = tones
		g.Go(func() error {
			if err := tones.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := ws.NewServer(nil, nil)
	host := newHost(cfg)
	eng := engine.New(host, sink, sampler, engine.Options{
		Keys:        enc.Keys(),
		FPS:         cfg.FPS,
		Workers:     cfg.Workers,
		TickTimeout: cfg.TickTimeout(),
		Limiter:     cfg.PowerLimiter(),
		Notify:      srv.Push,
	})
	defer eng.Close()

	builder := &profile.Builder{Host: host, ScriptDir: cfg.ScriptDir, Keys: enc.Keys(), Workers: cfg.Workers}
	ctrl := reload.NewController(builder, profile.FileStore{Dir: cfg.ProfileDir}, eng, cfg.Profile)
	ctrl.Debounce = cfg.Debounce()
	ctrl.Notify = srv.Push
	srv.Eng, srv.Reload = eng, ctrl

	// A broken profile at startup leaves the keyboard dark until an edit
	// fixes it.
	_ = ctrl.Reload(ctx)

	if watch {
		w, err := reload.NewFSWatcher(watchDirs(cfg)...)
		if err != nil {
			return err
		}
		defer w.Close()
		g.Go(func() error { return ctrl.Run(ctx, w.Changes()) })
	}

	g.Go(func() error { return eng.Run(ctx) })

	if cfg.Addr != "" {
		hs := &http.Server{Addr: cfg.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			srv.Run(ctx, cfg.FPS)
			return nil
		})
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Msg("management server listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	st := sink.Stats()
	log.Info().Uint64("frames", st.Frames).Uint64("failures", st.Failures).Msg("stopped")
	return err
}

// watchDirs lists the directories whose edits trigger a reload. The library
// directory is optional.
func watchDirs(cfg *config.Config) []string {
	dirs := []string{cfg.ScriptDir, cfg.ProfileDir}
	if lib := cfg.Libraries(); lib != cfg.ScriptDir {
		if fi, err := os.Stat(lib); err == nil && fi.IsDir() {
			dirs = append(dirs, lib)
		}
	}
	return dirs
}
