package engine

import (
	"time"

	"github.com/coreman2200/keyfx/internal/profile"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/script"
)

// Stats counts loop activity since start.
type Stats struct {
	Frames   uint64  `json:"frames"`
	Flushed  uint64  `json:"flushed"`
	Skipped  uint64  `json:"skipped"`
	Dropped  uint64  `json:"dropped"`
	Overruns uint64  `json:"overruns"`
	Jitter   uint64  `json:"jitter"`
	Faults   uint64  `json:"faults"`
	Timeouts uint64  `json:"timeouts"`
	FPS      float64 `json:"fps"`
	LastMS   float64 `json:"last_ms"`
}

// Status is the management view published after every cycle.
type Status struct {
	Profile   string          `json:"profile"`
	ProfileID string          `json:"profile_id,omitempty"`
	Frame     uint64          `json:"frame"`
	Opacity   float32         `json:"opacity"`
	Instances []script.Status `json:"instances"`
	Stats     Stats           `json:"stats"`
}

// Faults lists the instances that were disabled by an error.
func (s Status) Faults() []script.Status {
	var out []script.Status
	for _, inst := range s.Instances {
		if inst.FaultKind != "" {
			out = append(out, inst)
		}
	}
	return out
}

func (e *Engine) publish(p *profile.Profile, took time.Duration) {
	e.counters.LastMS = float64(took.Microseconds()) / 1000
	st := Status{Frame: e.frame, Stats: e.counters}
	if p != nil {
		st.Profile = p.Name
		st.ProfileID = p.ID.String()
		st.Opacity = p.Opacity
		st.Instances = make([]script.Status, len(p.Instances))
		for i, inst := range p.Instances {
			st.Instances[i] = inst.Status()
		}
	}
	e.mu.Lock()
	copy(e.snap, e.grid)
	e.status = st
	e.mu.Unlock()
}

// Snapshot returns a copy of the last flushed-or-skipped output grid.
func (e *Engine) Snapshot() render.Grid {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.Clone()
}

// Status returns the view published by the last cycle.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Keys is the size of the output grid.
func (e *Engine) Keys() int { return e.opts.Keys }
