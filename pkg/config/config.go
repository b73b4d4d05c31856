package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// ManifestFileName is the manifest filename a project declares its
// dependencies in.
const ManifestFileName = "depfetch.toml"

type Config struct {
	Project      ProjectConfig         `toml:"project"`
	Dependencies map[string]Dependency `toml:"dependencies,omitempty"`
}

type ProjectConfig struct {
	Name string `toml:"name"`
}

// Dependency is one declared external dependency. Exactly one of Git, URL
// or Path selects the locator kind.
type Dependency struct {
	// git repository and branch, tag or commit
	Git string `toml:"git,omitempty"`
	Ref string `toml:"ref,omitempty"`

	// archive url and optional "sha256:<hex>" digest
	URL    string `toml:"url,omitempty"`
	Digest string `toml:"digest,omitempty"`

	// local source tree, relative to the manifest directory
	Path string `toml:"path,omitempty"`

	// Options are integration overrides; keys are validated by the integrator.
	Options map[string]any `toml:"options,omitempty"`
}

// Names returns the declared dependency names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Dependencies))
	for name := range c.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every dependency that does not select exactly one
// locator kind.
func (c *Config) Validate() error {
	var err error
	for _, name := range c.Names() {
		dep := c.Dependencies[name]
		set := 0
		for _, v := range []string{dep.Git, dep.URL, dep.Path} {
			if v != "" {
				set++
			}
		}
		switch {
		case set == 0:
			err = errors.Join(err, fmt.Errorf("dependency %q: one of git, url or path is required", name))
		case set > 1:
			err = errors.Join(err, fmt.Errorf("dependency %q: git, url and path are mutually exclusive", name))
		case dep.Git != "" && dep.Ref == "":
			err = errors.Join(err, fmt.Errorf("dependency %q: git dependencies require a ref", name))
		case dep.Git == "" && dep.Ref != "":
			err = errors.Join(err, fmt.Errorf("dependency %q: ref is only valid with git", name))
		case dep.URL == "" && dep.Digest != "":
			err = errors.Join(err, fmt.Errorf("dependency %q: digest is only valid with url", name))
		}
	}
	return err
}

func UnmarshalConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	err := toml.Unmarshal(data, cfg)

	return cfg, err
}

func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := UnmarshalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func SaveFile(path string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// GlobalConfigDir returns the path to ~/.depfetch, creating it if necessary.
func GlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	dir := filepath.Join(home, ".depfetch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}
