package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Settings file names looked up in a project root, in order.
var SettingsFiles = []string{"precomp.toml", "precomp.yaml", "precomp.yml"}

// Mapping redirects default outputs of sources under Source (root-relative
// directory) to the mirrored location under Output.
type Mapping struct {
	Source string `json:"source" toml:"source" yaml:"source"`
	Output string `json:"output" toml:"output" yaml:"output"`
}

// Settings are per-project options read from the project's settings file.
type Settings struct {
	Ignore   []string                     `json:"ignore,omitempty" toml:"ignore" yaml:"ignore"`
	Mappings []Mapping                    `json:"mappings,omitempty" toml:"mappings" yaml:"mappings"`
	Options  map[string]map[string]string `json:"options,omitempty" toml:"options" yaml:"options"`
}

// IsZero reports whether no setting is present.
func (s Settings) IsZero() bool {
	return len(s.Ignore) == 0 && len(s.Mappings) == 0 && len(s.Options) == 0
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	c := Settings{
		Ignore:   append([]string(nil), s.Ignore...),
		Mappings: append([]Mapping(nil), s.Mappings...),
	}
	if s.Options != nil {
		c.Options = make(map[string]map[string]string, len(s.Options))
		for lang, opts := range s.Options {
			inner := make(map[string]string, len(opts))
			for k, v := range opts {
				inner[k] = v
			}
			c.Options[lang] = inner
		}
	}
	return c
}

// LoadSettings reads the first settings file present in root. A root without
// one yields zero Settings.
func LoadSettings(root string) (Settings, error) {
	for _, name := range SettingsFiles {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var s Settings
		if filepath.Ext(name) == ".toml" {
			_, err = toml.Decode(string(data), &s)
		} else {
			err = yaml.Unmarshal(data, &s)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return s, nil
	}
	return Settings{}, nil
}
