package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coreman2200/keyfx/internal/config"
	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/script"
)

// ValidationResult describes a file that parsed and resolved.
type ValidationResult struct {
	Kind      string   `json:"kind"` // "manifest" | "profile"
	Name      string   `json:"name"`
	Params    []string `json:"params,omitempty"`
	Step      int      `json:"step,omitempty"`
	Instances []string `json:"instances,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <script|manifest|profile>",
		Short: "Check a script manifest or a profile without starting the loop",
		Long: `Parse a manifest and resolve its defaults, or build every instance of a
profile. Lua scripts are compiled so syntax errors surface here.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.Failure(err)
			}
			res, err := validate(cmd.Context(), cfg, args[0])
			if err != nil {
				return out.Failure(err)
			}
			return out.Success(res, fmt.Sprintf("✓ %s %q valid", res.Kind, res.Name))
		},
	}
}

func newHost(cfg *config.Config) *script.Host {
	return &script.Host{Natives: script.Builtins(), LibDir: cfg.Libraries(), HookCount: cfg.HookCount}
}

func validate(ctx context.Context, cfg *config.Config, path string) (*ValidationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	keys := cfg.Layout().Count()
	host := newHost(cfg)

	if profile.IsProfileFile(path) {
		pc, err := profile.LoadFile(path)
		if err != nil {
			return nil, err
		}
		b := &profile.Builder{Host: host, ScriptDir: cfg.ScriptDir, Keys: keys, Workers: cfg.Workers}
		p, err := b.Build(ctx, pc)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		if len(p.Faults) > 0 {
			errs := make([]error, len(p.Faults))
			for i, f := range p.Faults {
				errs[i] = f
			}
			return nil, errors.Join(errs...)
		}
		res := &ValidationResult{Kind: "profile", Name: p.Name}
		for _, inst := range p.Instances {
			res.Instances = append(res.Instances, inst.ID)
		}
		return res, nil
	}

	scriptPath := strings.TrimSuffix(path, ".manifest")
	m, err := manifest.LoadFile(manifest.Path(scriptPath))
	if err != nil {
		return nil, err
	}
	if _, err := manifest.Resolve(m, nil); err != nil {
		return nil, err
	}
	logic, err := host.Load(m, scriptPath, keys)
	if err != nil {
		return nil, err
	}
	_ = logic.Close()
	return &ValidationResult{Kind: "manifest", Name: m.Name, Params: m.Names(), Step: m.Step}, nil
}
