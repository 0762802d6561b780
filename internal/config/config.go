// Package config provides application configuration for examparse: how the
// worker is located and run, where files live and how the local server
// listens. User-facing settings live in package settings instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/settings"
	"github.com/jmgilman/examparse/internal/sidecar"
	"github.com/jmgilman/examparse/internal/version"
)

// Default configuration values.
const (
	DefaultConfigFile = "config.yaml"
	DefaultDataDir    = ".local/share/examparse"
	DefaultServerAddr = "127.0.0.1:7424"
)

// Stderr policies.
const (
	StderrDiscard = "discard"
	StderrCapture = "capture"
)

// Sentinel errors for configuration operations.
var (
	ErrInvalidKey    = errors.New("invalid configuration key")
	ErrInvalidMode   = errors.New("invalid sidecar mode")
	ErrInvalidStderr = errors.New("invalid stderr policy")
	ErrNoEditor      = errors.New("$EDITOR environment variable not set")
)

// validKeys is built once from Config struct reflection.
var validKeys = buildValidKeys()

// validate is the shared validator instance.
var validate = validator.New()

// Config represents the full examparse configuration.
type Config struct {
	Sidecar     SidecarConfig     `mapstructure:"sidecar" yaml:"sidecar" validate:"required"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage" validate:"required"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server" validate:"required"`
}

// SidecarConfig controls worker resolution and execution.
type SidecarConfig struct {
	Mode        string `mapstructure:"mode" yaml:"mode" validate:"required,oneof=development packaged"`
	ProjectDir  string `mapstructure:"project_dir" yaml:"project_dir"`
	SearchDepth int    `mapstructure:"search_depth" yaml:"search_depth" validate:"min=1,max=32"`
	Interpreter string `mapstructure:"interpreter" yaml:"interpreter" validate:"required"`
	Module      string `mapstructure:"module" yaml:"module" validate:"required"`
	Binary      string `mapstructure:"binary" yaml:"binary" validate:"required"`
	ResourceDir string `mapstructure:"resource_dir" yaml:"resource_dir"`
	Stderr      string `mapstructure:"stderr" yaml:"stderr" validate:"required,oneof=discard capture"`
	Buffer      int    `mapstructure:"buffer" yaml:"buffer" validate:"min=1"`
}

// StorageConfig holds storage location configuration.
type StorageConfig struct {
	Data     string `mapstructure:"data" yaml:"data" validate:"required"`
	Logs     string `mapstructure:"logs" yaml:"logs" validate:"required"`
	Settings string `mapstructure:"settings" yaml:"settings" validate:"required"`
}

// CredentialsConfig selects keyring backends.
type CredentialsConfig struct {
	Backends []string `mapstructure:"backends" yaml:"backends"`
}

// ServerConfig holds local UI server configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
}

// Validate checks the configuration for errors using struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// DefaultMode returns the deployment mode used when none is configured:
// development for dev builds, packaged for releases.
func DefaultMode() string {
	if version.IsDev() {
		return sidecar.ModeDevelopment
	}
	return sidecar.ModePackaged
}

// Loader provides configuration loading and saving.
type Loader struct {
	v         *viper.Viper
	path      string
	configDir string
	homeDir   string
}

// NewLoader creates a new configuration loader for
// <user config dir>/examparse/config.yaml.
func NewLoader() (*Loader, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	userConfig, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("get user config directory: %w", err)
	}

	configDir := filepath.Join(userConfig, settings.AppDir)
	configPath := filepath.Join(configDir, DefaultConfigFile)

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Environment variable binding
	v.SetEnvPrefix("EXAMPARSE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Short aliases for the most common overrides.
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("sidecar.mode", "EXAMPARSE_MODE", "EXAMPARSE_SIDECAR_MODE")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("sidecar.project_dir", "EXAMPARSE_PROJECT_DIR", "EXAMPARSE_SIDECAR_PROJECT_DIR")

	l := &Loader{
		v:         v,
		path:      configPath,
		configDir: configDir,
		homeDir:   home,
	}

	l.setDefaults()

	return l, nil
}

// setDefaults sets all default configuration values using Viper.
func (l *Loader) setDefaults() {
	l.v.SetDefault("sidecar.mode", DefaultMode())
	l.v.SetDefault("sidecar.project_dir", "")
	l.v.SetDefault("sidecar.search_depth", sidecar.DefaultSearchDepth)
	l.v.SetDefault("sidecar.interpreter", sidecar.DefaultInterpreter)
	l.v.SetDefault("sidecar.module", sidecar.DefaultModule)
	l.v.SetDefault("sidecar.binary", sidecar.DefaultBinary)
	l.v.SetDefault("sidecar.resource_dir", "")
	l.v.SetDefault("sidecar.stderr", StderrCapture)
	l.v.SetDefault("sidecar.buffer", bridge.DefaultBuffer)
	l.v.SetDefault("storage.data", "~/"+DefaultDataDir)
	l.v.SetDefault("storage.logs", "~/"+DefaultDataDir+"/logs")
	l.v.SetDefault("storage.settings", filepath.Join(l.configDir, settings.FileName))
	l.v.SetDefault("credentials.backends", []string{})
	l.v.SetDefault("server.addr", DefaultServerAddr)
}

// Load reads the configuration file, creating defaults if it doesn't exist.
func (l *Loader) Load() (*Config, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := l.createDefault(); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Sidecar.ProjectDir = l.expandPath(cfg.Sidecar.ProjectDir)
	cfg.Sidecar.ResourceDir = l.expandPath(cfg.Sidecar.ResourceDir)
	cfg.Storage.Data = l.expandPath(cfg.Storage.Data)
	cfg.Storage.Logs = l.expandPath(cfg.Storage.Logs)
	cfg.Storage.Settings = l.expandPath(cfg.Storage.Settings)

	return &cfg, nil
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Get returns a configuration value by dot-notation key.
func (l *Loader) Get(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return l.v.Get(key), nil
}

// Set sets a configuration value by dot-notation key and writes the file.
func (l *Loader) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	switch key {
	case "sidecar.mode":
		if _, err := sidecar.ParseMode(value); err != nil {
			return fmt.Errorf("%w: %s (valid: %s, %s)", ErrInvalidMode, value, sidecar.ModeDevelopment, sidecar.ModePackaged)
		}
	case "sidecar.stderr":
		if value != StderrDiscard && value != StderrCapture {
			return fmt.Errorf("%w: %s (valid: %s, %s)", ErrInvalidStderr, value, StderrDiscard, StderrCapture)
		}
	}

	l.v.Set(key, value)
	return l.v.WriteConfig()
}

// createDefault writes the default configuration file using Viper.
func (l *Loader) createDefault() error {
	if err := os.MkdirAll(l.configDir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return l.v.SafeWriteConfigAs(l.path)
}

// expandPath replaces ~ with the home directory.
func (l *Loader) expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(l.homeDir, path[2:])
	}
	if path == "~" {
		return l.homeDir
	}
	return path
}

// ValidateKey checks if a key is a valid leaf configuration key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if validKeys[key] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidKey, key)
}

// Keys returns all valid keys.
func Keys() []string {
	keys := make([]string, 0, len(validKeys))
	for k := range validKeys {
		keys = append(keys, k)
	}
	return keys
}

// buildValidKeys builds the set of valid keys from Config struct using reflection.
func buildValidKeys() map[string]bool {
	keys := make(map[string]bool)
	addKeysFromType(reflect.TypeOf(Config{}), "", keys)
	return keys
}

// addKeysFromType recursively adds keys from a struct type.
func addKeysFromType(t reflect.Type, prefix string, keys map[string]bool) {
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		keys[key] = true

		// Recurse into nested structs (but not maps)
		if field.Type.Kind() == reflect.Struct {
			addKeysFromType(field.Type, key, keys)
		}
	}
}
