package script

import (
	"errors"
	"fmt"
)

// ErrNoTick is returned when a script does not define on_tick.
var ErrNoTick = errors.New("script: on_tick is not defined")

// ErrorKind distinguishes how a tick failed.
type ErrorKind string

const (
	RuntimeFault ErrorKind = "runtime_fault"
	Timeout      ErrorKind = "timeout"
	// LoadFault marks an instance whose manifest, parameters or script
	// were rejected when its profile was built.
	LoadFault ErrorKind = "load_fault"
)

// ScriptError is a failed tick. The instance that produced it is disabled for
// the rest of the session unless explicitly re-enabled.
type ScriptError struct {
	Kind     ErrorKind
	Instance string
	Frame    uint64
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %s at frame %d: %v", e.Instance, e.Kind, e.Frame, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a tick timeout.
func IsTimeout(err error) bool {
	var se *ScriptError
	return errors.As(err, &se) && se.Kind == Timeout
}
