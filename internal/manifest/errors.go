package manifest

import (
	"errors"
	"fmt"
)

// SchemaErrorKind categorizes malformed manifests.
type SchemaErrorKind string

const (
	UnknownType   SchemaErrorKind = "unknown_type"
	MissingField  SchemaErrorKind = "missing_field"
	TypeMismatch  SchemaErrorKind = "type_mismatch"
	DuplicateName SchemaErrorKind = "duplicate_name"
	// Syntax is reported when the descriptor is not valid TOML at all.
	Syntax SchemaErrorKind = "syntax"
)

// SchemaError reports a manifest that cannot be accepted. Param is set when
// the problem is inside a parameter block.
type SchemaError struct {
	Kind   SchemaErrorKind
	Field  string
	Param  string
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("manifest: %s", e.Kind)
	if e.Param != "" {
		msg += fmt.Sprintf(" in param %q", e.Param)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ConfigErrorKind categorizes rejected overrides.
type ConfigErrorKind string

const (
	ConfigTypeMismatch ConfigErrorKind = "type_mismatch"
	UnknownParameter   ConfigErrorKind = "unknown_parameter"
)

// ConfigError reports an override that does not fit the parameter schema.
type ConfigError struct {
	Kind  ConfigErrorKind
	Param string
	Want  Type
	Got   any
}

func (e *ConfigError) Error() string {
	if e.Kind == UnknownParameter {
		return fmt.Sprintf("config: unknown parameter %q", e.Param)
	}
	return fmt.Sprintf("config: %s for %q: want %s, got %T", e.Kind, e.Param, e.Want, e.Got)
}

// IsSchemaError reports whether err is a SchemaError of the given kind.
func IsSchemaError(err error, kind SchemaErrorKind) bool {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsConfigError reports whether err is a ConfigError of the given kind.
func IsConfigError(err error, kind ConfigErrorKind) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
