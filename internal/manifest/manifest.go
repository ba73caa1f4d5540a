// Package manifest parses effect descriptors and resolves profile overrides
// against their typed parameter schema.
//
// A descriptor is a TOML document kept beside its script (foo.lua has
// foo.lua.manifest):
//
//	name = "Afterglow"
//	description = "Keys glow after they were pressed"
//	version = "0.1.0"
//	author = "keyfx"
//	min_supported_version = "0.1.0"
//	tags = ["reactive"]
//	step = 1
//
//	[[config.param]]
//	type = "color"
//	name = "color_afterglow"
//	description = "Afterglow color"
//	default = 0xffffffff
package manifest

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/coreman2200/keyfx/internal/render"
)

// Type is a declared parameter type.
type Type string

const (
	TypeFloat  Type = "float"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeColor  Type = "color"
	TypeString Type = "string"
)

func (t Type) valid() bool {
	switch t {
	case TypeFloat, TypeInt, TypeBool, TypeColor, TypeString:
		return true
	}
	return false
}

// Kind selects the logic variant that runs an effect.
type Kind string

const (
	KindLua    Kind = "lua"
	KindNative Kind = "native"
)

// ParameterSpec declares one configurable parameter. Default holds a
// float64, int64, bool, render.RGBA or string matching Type.
type ParameterSpec struct {
	Type        Type
	Name        string
	Description string
	Default     any
}

// Manifest is a parsed effect descriptor.
type Manifest struct {
	Name                string
	Description         string
	Version             string
	Author              string
	MinSupportedVersion string
	Tags                []string

	// Kind defaults to KindLua. Native effects name their plugin in Entry.
	Kind  Kind
	Entry string
	// Step is the tick cadence: the effect runs on frames where
	// frame % Step == 0.
	Step int

	Params []ParameterSpec
}

// Param looks up a parameter by name.
func (m *Manifest) Param(name string) (ParameterSpec, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Path returns the descriptor path for a script path.
func Path(script string) string { return script + ".manifest" }

// LoadFile reads and parses the descriptor at path.
func LoadFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a descriptor.
func Parse(raw []byte) (*Manifest, error) {
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{Kind: Syntax, Detail: err.Error(), Err: err}
	}

	m := &Manifest{Kind: KindLua, Step: 1}
	var err error
	fields := []struct {
		key string
		dst *string
	}{
		{"name", &m.Name},
		{"description", &m.Description},
		{"version", &m.Version},
		{"author", &m.Author},
		{"min_supported_version", &m.MinSupportedVersion},
	}
	for _, f := range fields {
		if *f.dst, err = requireString(doc, f.key, ""); err != nil {
			return nil, err
		}
	}

	if m.Tags, err = parseTags(doc); err != nil {
		return nil, err
	}
	if err := parseKind(doc, m); err != nil {
		return nil, err
	}
	if v, ok := doc["step"]; ok {
		n, ok := v.(int64)
		if !ok || n < 1 {
			return nil, &SchemaError{Kind: TypeMismatch, Field: "step", Detail: fmt.Sprintf("want integer >= 1, got %v", v)}
		}
		m.Step = int(n)
	}

	if m.Params, err = parseParams(doc); err != nil {
		return nil, err
	}
	return m, nil
}

func requireString(doc map[string]any, key, param string) (string, error) {
	v, ok := doc[key]
	if !ok {
		return "", &SchemaError{Kind: MissingField, Field: key, Param: param}
	}
	s, ok := v.(string)
	if !ok {
		return "", &SchemaError{Kind: TypeMismatch, Field: key, Param: param, Detail: fmt.Sprintf("want string, got %T", v)}
	}
	return s, nil
}

func parseTags(doc map[string]any) ([]string, error) {
	v, ok := doc["tags"]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &SchemaError{Kind: TypeMismatch, Field: "tags", Detail: "want list of strings"}
	}
	if len(list) == 0 {
		return nil, nil
	}
	tags := make([]string, 0, len(list))
	for _, t := range list {
		s, ok := t.(string)
		if !ok {
			return nil, &SchemaError{Kind: TypeMismatch, Field: "tags", Detail: fmt.Sprintf("tag %v is not a string", t)}
		}
		tags = append(tags, s)
	}
	return tags, nil
}

func parseKind(doc map[string]any, m *Manifest) error {
	if v, ok := doc["kind"]; ok {
		s, ok := v.(string)
		if !ok {
			return &SchemaError{Kind: TypeMismatch, Field: "kind", Detail: fmt.Sprintf("want string, got %T", v)}
		}
		switch Kind(s) {
		case KindLua, KindNative:
			m.Kind = Kind(s)
		default:
			return &SchemaError{Kind: UnknownType, Field: "kind", Detail: s}
		}
	}
	if v, ok := doc["entry"]; ok {
		s, ok := v.(string)
		if !ok {
			return &SchemaError{Kind: TypeMismatch, Field: "entry", Detail: fmt.Sprintf("want string, got %T", v)}
		}
		m.Entry = s
	}
	if m.Kind == KindNative && m.Entry == "" {
		return &SchemaError{Kind: MissingField, Field: "entry", Detail: "native effects name their plugin"}
	}
	return nil
}

func parseParams(doc map[string]any) ([]ParameterSpec, error) {
	cv, ok := doc["config"]
	if !ok {
		return nil, nil
	}
	cfg, ok := cv.(map[string]any)
	if !ok {
		return nil, &SchemaError{Kind: TypeMismatch, Field: "config", Detail: "want table"}
	}
	pv, ok := cfg["param"]
	if !ok {
		return nil, nil
	}
	blocks, ok := pv.([]any)
	if !ok {
		return nil, &SchemaError{Kind: TypeMismatch, Field: "config.param", Detail: "want array of tables"}
	}

	seen := make(map[string]bool, len(blocks))
	params := make([]ParameterSpec, 0, len(blocks))
	for i, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			return nil, &SchemaError{Kind: TypeMismatch, Field: "config.param", Detail: fmt.Sprintf("block %d is not a table", i)}
		}
		p, err := parseParam(block, i)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, &SchemaError{Kind: DuplicateName, Param: p.Name}
		}
		seen[p.Name] = true
		params = append(params, p)
	}
	return params, nil
}

func parseParam(block map[string]any, idx int) (ParameterSpec, error) {
	label := fmt.Sprintf("#%d", idx)
	name, err := requireString(block, "name", label)
	if err != nil {
		return ParameterSpec{}, err
	}
	typ, err := requireString(block, "type", name)
	if err != nil {
		return ParameterSpec{}, err
	}
	if !Type(typ).valid() {
		return ParameterSpec{}, &SchemaError{Kind: UnknownType, Field: "type", Param: name, Detail: typ}
	}
	p := ParameterSpec{Type: Type(typ), Name: name}
	if _, ok := block["description"]; ok {
		if p.Description, err = requireString(block, "description", name); err != nil {
			return ParameterSpec{}, err
		}
	}
	raw, ok := block["default"]
	if !ok {
		return ParameterSpec{}, &SchemaError{Kind: MissingField, Field: "default", Param: name}
	}
	def, ok := coerce(p.Type, raw)
	if !ok {
		return ParameterSpec{}, &SchemaError{Kind: TypeMismatch, Field: "default", Param: name,
			Detail: fmt.Sprintf("want %s, got %v", p.Type, raw)}
	}
	p.Default = def
	return p, nil
}

type fileParam struct {
	Type        string `toml:"type"`
	Name        string `toml:"name"`
	Description string `toml:"description,omitempty"`
	Default     any    `toml:"default"`
}

type fileConfig struct {
	Params []fileParam `toml:"param"`
}

type fileDoc struct {
	Name                string      `toml:"name"`
	Description         string      `toml:"description"`
	Version             string      `toml:"version"`
	Author              string      `toml:"author"`
	MinSupportedVersion string      `toml:"min_supported_version"`
	Tags                []string    `toml:"tags,omitempty"`
	Kind                string      `toml:"kind"`
	Entry               string      `toml:"entry,omitempty"`
	Step                int         `toml:"step"`
	Config              *fileConfig `toml:"config,omitempty"`
}

// Serialize encodes m back into descriptor form. Parse(Serialize(m)) yields
// the same manifest.
func Serialize(m *Manifest) ([]byte, error) {
	doc := fileDoc{
		Name:                m.Name,
		Description:         m.Description,
		Version:             m.Version,
		Author:              m.Author,
		MinSupportedVersion: m.MinSupportedVersion,
		Tags:                m.Tags,
		Kind:                string(m.Kind),
		Entry:               m.Entry,
		Step:                m.Step,
	}
	if doc.Kind == "" {
		doc.Kind = string(KindLua)
	}
	if doc.Step < 1 {
		doc.Step = 1
	}
	if len(m.Params) > 0 {
		doc.Config = &fileConfig{}
		for _, p := range m.Params {
			fp := fileParam{Type: string(p.Type), Name: p.Name, Description: p.Description, Default: p.Default}
			if c, ok := p.Default.(render.RGBA); ok {
				fp.Default = int64(c)
			}
			doc.Config.Params = append(doc.Config.Params, fp)
		}
	}
	return toml.Marshal(doc)
}

// Names returns parameter names sorted alphabetically.
func (m *Manifest) Names() []string {
	out := make([]string, 0, len(m.Params))
	for _, p := range m.Params {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}
