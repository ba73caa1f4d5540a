package profile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coreman2200/keyfx/internal/script"
)

// ReloadError reports a profile that could not be built. The previously
// active profile, if any, stays in place.
type ReloadError struct {
	Profile  string
	Instance string
	Err      error
}

func (e *ReloadError) Error() string {
	if e.Instance == "" {
		return fmt.Sprintf("profile %s: %v", e.Profile, e.Err)
	}
	return fmt.Sprintf("profile %s: instance %s: %v", e.Profile, e.Instance, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Profile is a built, immutable set of instances ready for the render loop.
// Instances are in z-order.
type Profile struct {
	ID        uuid.UUID
	Name      string
	Opacity   float32
	Keys      int
	Instances []*script.Instance
	// Files lists every manifest and script the profile was built from.
	Files []string
	// Faults holds the load errors of instances that were kept disabled.
	Faults []*script.ScriptError
}

// Instance returns the instance with the given id.
func (p *Profile) Instance(id string) (*script.Instance, bool) {
	for _, inst := range p.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// Close releases every instance.
func (p *Profile) Close() error {
	var errs []error
	for _, inst := range p.Instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.ID, err))
		}
	}
	return errors.Join(errs...)
}
