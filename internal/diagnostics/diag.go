// Package diagnostics describes notable runtime events for the management
// surface.
package diagnostics

import (
	"errors"
	"time"

	"github.com/coreman2200/keyfx/internal/led"
	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/script"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

const (
	CodeScriptFault    = "SCRIPT.FAULT"
	CodeScriptTimeout  = "SCRIPT.TIMEOUT"
	CodeScriptLoad     = "SCRIPT.LOAD"
	CodeHardware       = "HW.WRITE"
	CodeOverrun        = "FRAME.OVERRUN"
	CodeReloadApplied  = "RELOAD.APPLIED"
	CodeReloadRejected = "RELOAD.REJECTED"
	CodeEnabled        = "INSTANCE.ENABLED"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// Sink receives diagnostics. Implementations must not block.
type Sink func(Diagnostic)

// Script describes an instance that was disabled.
func Script(e *script.ScriptError) Diagnostic {
	d := Diagnostic{
		Severity: Err,
		Code:     CodeScriptFault,
		Summary:  "Effect instance disabled",
		Detail:   e.Error(),
		Evidence: map[string]any{"instance": e.Instance, "frame": e.Frame},
		SuggestedFixes: []string{
			"Fix the script and save it to trigger a reload",
			"Re-enable the instance from the management surface",
		},
	}
	switch e.Kind {
	case script.Timeout:
		d.Code = CodeScriptTimeout
		d.Summary = "Effect instance exceeded its tick budget"
		d.LikelyCauses = []string{"Unbounded loop in on_tick", "Work too heavy for the frame rate; raise step"}
	case script.LoadFault:
		d.Code = CodeScriptLoad
		d.Summary = "Effect instance failed to load"
		d.LikelyCauses = []string{"Malformed manifest", "Override does not match the declared parameter type", "Script does not compile"}
		d.SuggestedFixes = []string{"Fix the manifest, script or profile and save it to trigger a reload"}
	}
	return d
}

// Hardware describes a dropped frame.
func Hardware(err error) Diagnostic {
	d := Diagnostic{
		Severity:     Warn,
		Code:         CodeHardware,
		Summary:      "Frame dropped by the device",
		Detail:       err.Error(),
		LikelyCauses: []string{"Device unplugged", "Bus contention"},
	}
	var he *led.HardwareError
	if errors.As(err, &he) {
		d.Evidence = map[string]any{"attempts": he.Attempts}
	}
	return d
}

// Overrun describes a cycle that exceeded its period.
func Overrun(frame uint64, took, period time.Duration) Diagnostic {
	return Diagnostic{
		Severity: Warn,
		Code:     CodeOverrun,
		Summary:  "Frame overrun",
		Evidence: map[string]any{"frame": frame, "took_ms": ms(took), "period_ms": ms(period)},
	}
}

// Reload describes the outcome of a profile rebuild; err is nil on success.
func Reload(name string, err error) Diagnostic {
	if err == nil {
		return Diagnostic{Severity: Info, Code: CodeReloadApplied, Summary: "Profile reloaded", Evidence: map[string]any{"profile": name}}
	}
	d := Diagnostic{
		Severity: Err,
		Code:     CodeReloadRejected,
		Summary:  "Profile reload rejected; previous profile kept",
		Detail:   err.Error(),
		Evidence: map[string]any{"profile": name},
	}
	var re *profile.ReloadError
	if errors.As(err, &re) && re.Instance != "" {
		d.Evidence["instance"] = re.Instance
	}
	return d
}

// Enabled describes a re-enabled instance.
func Enabled(id string) Diagnostic {
	return Diagnostic{Severity: Info, Code: CodeEnabled, Summary: "Effect instance re-enabled", Evidence: map[string]any{"instance": id}}
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
