package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const currentVersion = 1

// Config represents the complete precomp configuration
type Config struct {
	Version int `json:"version" toml:"version" mapstructure:"version"`

	Store   StoreConfig   `json:"store" toml:"store" mapstructure:"store"`
	Watch   WatchConfig   `json:"watch" toml:"watch" mapstructure:"watch"`
	Build   BuildConfig   `json:"build" toml:"build" mapstructure:"build"`
	Imports ImportsConfig `json:"imports" toml:"imports" mapstructure:"imports"`
	Events  EventsConfig  `json:"events" toml:"events" mapstructure:"events"`
	Logging LoggingConfig `json:"logging" toml:"logging" mapstructure:"logging"`
}

// StoreConfig selects the project database backend
type StoreConfig struct {
	Backend string `json:"backend" toml:"backend" mapstructure:"backend"` // "sqlite" or "json"
	Path    string `json:"path,omitempty" toml:"path,omitempty" mapstructure:"path"`
}

// WatchConfig contains file watcher configuration
type WatchConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled" mapstructure:"enabled"`
	DebounceMs     int      `json:"debounceMs" toml:"debounceMs" mapstructure:"debounceMs"`
	IgnorePatterns []string `json:"ignorePatterns" toml:"ignorePatterns" mapstructure:"ignorePatterns"`
}

// CompilerCommand describes how to invoke an external compiler for one language.
// Args may contain {source} and {output} placeholders.
type CompilerCommand struct {
	Command string   `json:"command" toml:"command" mapstructure:"command"`
	Args    []string `json:"args" toml:"args" mapstructure:"args"`
}

// BuildConfig contains build coordinator configuration
type BuildConfig struct {
	Workers   int                          `json:"workers" toml:"workers" mapstructure:"workers"`
	TimeoutMs int                          `json:"timeoutMs" toml:"timeoutMs" mapstructure:"timeoutMs"`
	Compilers map[string]CompilerCommand   `json:"compilers" toml:"compilers" mapstructure:"compilers"`
	Options   map[string]map[string]string `json:"options,omitempty" toml:"options,omitempty" mapstructure:"options"`
}

// ImportsConfig contains import-graph scanner configuration
type ImportsConfig struct {
	CacheSize int `json:"cacheSize" toml:"cacheSize" mapstructure:"cacheSize"`
}

// EventsConfig contains event sink configuration
type EventsConfig struct {
	BufferSize int `json:"bufferSize" toml:"bufferSize" mapstructure:"bufferSize"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format     string `json:"format" toml:"format" mapstructure:"format"`
	Level      string `json:"level" toml:"level" mapstructure:"level"`
	File       string `json:"file,omitempty" toml:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" toml:"maxSizeMb" mapstructure:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" toml:"maxBackups" mapstructure:"maxBackups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: currentVersion,
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 150,
			IgnorePatterns: []string{
				"node_modules",
				".git",
				".svn",
				".hg",
				"*.swp",
				"*~",
			},
		},
		Build: BuildConfig{
			Workers:   4,
			TimeoutMs: 30000,
			Compilers: map[string]CompilerCommand{
				"less":   {Command: "lessc", Args: []string{"{source}"}},
				"sass":   {Command: "sass", Args: []string{"--no-source-map", "{source}"}},
				"scss":   {Command: "sass", Args: []string{"--no-source-map", "{source}"}},
				"coffee": {Command: "coffee", Args: []string{"--print", "{source}"}},
			},
		},
		Imports: ImportsConfig{
			CacheSize: 2048,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Format:     "human",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads config.{json,toml,yaml} from home. PRECOMP_* environment
// variables override file values (PRECOMP_BUILD_WORKERS, PRECOMP_STORE_BACKEND, ...).
func LoadConfig(home string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.AddConfigPath(home)
	v.SetEnvPrefix("PRECOMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Build.Compilers) == 0 {
		cfg.Build.Compilers = DefaultConfig().Build.Compilers
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.debounceMs", d.Watch.DebounceMs)
	v.SetDefault("watch.ignorePatterns", d.Watch.IgnorePatterns)
	v.SetDefault("build.workers", d.Build.Workers)
	v.SetDefault("build.timeoutMs", d.Build.TimeoutMs)
	v.SetDefault("imports.cacheSize", d.Imports.CacheSize)
	v.SetDefault("events.bufferSize", d.Events.BufferSize)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.maxSizeMb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
}

// Save writes the configuration to path. A .toml extension selects TOML,
// anything else is written as indented JSON.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != currentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Store.Backend != "sqlite" && c.Store.Backend != "json" {
		return &ConfigError{Field: "store.backend", Message: "must be sqlite or json"}
	}
	if c.Watch.DebounceMs < 0 {
		return &ConfigError{Field: "watch.debounceMs", Message: "must not be negative"}
	}
	if c.Build.Workers < 1 {
		return &ConfigError{Field: "build.workers", Message: "must be at least 1"}
	}
	if c.Build.TimeoutMs < 1 {
		return &ConfigError{Field: "build.timeoutMs", Message: "must be positive"}
	}
	for lang, cc := range c.Build.Compilers {
		if cc.Command == "" {
			return &ConfigError{Field: "build.compilers." + lang, Message: "command is required"}
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
