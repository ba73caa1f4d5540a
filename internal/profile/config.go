// Package profile holds the persisted profile format, the file store and
// the builder that turns a profile into live effect instances.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a store has no profile of the given name.
var ErrNotFound = errors.New("profile: not found")

const fileSuffix = ".profile.yaml"

// Config is the persisted form of a profile. Instances are listed bottom to
// top; the first entry is composited first.
type Config struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Opacity     *float64         `yaml:"opacity,omitempty"`
	Instances   []InstanceConfig `yaml:"instances"`
}

type InstanceConfig struct {
	ID        string         `yaml:"id,omitempty"`
	Script    string         `yaml:"script"`
	Overrides map[string]any `yaml:"overrides,omitempty"`
	Opacity   *float64       `yaml:"opacity,omitempty"`
	Enabled   *bool          `yaml:"enabled,omitempty"`
}

// Store loads persisted profiles by name.
type Store interface {
	Load(name string) (*Config, error)
}

// FileStore keeps one <name>.profile.yaml file per profile in Dir.
type FileStore struct {
	Dir string
}

// Path is the file backing the named profile.
func (s FileStore) Path(name string) string {
	return filepath.Join(s.Dir, name+fileSuffix)
}

func (s FileStore) Load(name string) (*Config, error) {
	return LoadFile(s.Path(name))
}

func (s FileStore) Save(c *Config) error {
	if c.Name == "" {
		return errors.New("profile: name required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path(c.Name), b, 0644)
}

// List returns the names of the stored profiles, sorted.
func (s FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			out = append(out, strings.TrimSuffix(e.Name(), fileSuffix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadFile reads a profile file. A profile without a name takes it from the
// file name.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), fileSuffix)
	}
	return &c, nil
}

// IsProfileFile reports whether path names a persisted profile.
func IsProfileFile(path string) bool {
	return strings.HasSuffix(path, fileSuffix)
}
