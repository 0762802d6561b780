package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHome points HOME and the XDG config dir at a fresh temp dir and
// returns the home and the examparse config directory.
func setupHome(t *testing.T) (string, string) {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	t.Setenv("XDG_CONFIG_HOME", "")
	for _, env := range []string{"EXAMPARSE_MODE", "EXAMPARSE_SIDECAR_MODE", "EXAMPARSE_PROJECT_DIR", "EXAMPARSE_SIDECAR_PROJECT_DIR"} {
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}

	userConfig, err := os.UserConfigDir()
	require.NoError(t, err)
	return tmpHome, filepath.Join(userConfig, "examparse")
}

func TestLoader_Load_CreatesDefaultIfMissing(t *testing.T) {
	tmpHome, configDir := setupHome(t)

	loader, err := NewLoader()
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	// Check defaults
	assert.Equal(t, DefaultMode(), cfg.Sidecar.Mode)
	assert.Equal(t, 6, cfg.Sidecar.SearchDepth)
	assert.Equal(t, "python", cfg.Sidecar.Interpreter)
	assert.Equal(t, "sidecar.main", cfg.Sidecar.Module)
	assert.Equal(t, "examparse-sidecar", cfg.Sidecar.Binary)
	assert.Equal(t, StderrCapture, cfg.Sidecar.Stderr)
	assert.Equal(t, 256, cfg.Sidecar.Buffer)
	assert.Equal(t, filepath.Join(tmpHome, ".local", "share", "examparse", "logs"), cfg.Storage.Logs)
	assert.Equal(t, filepath.Join(configDir, "settings.json"), cfg.Storage.Settings)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.NoError(t, cfg.Validate())

	// Verify file was created
	_, err = os.Stat(loader.Path())
	assert.NoError(t, err)
}

func TestLoader_Load_ReadsExistingConfig(t *testing.T) {
	tmpHome, configDir := setupHome(t)

	require.NoError(t, os.MkdirAll(configDir, 0o755))

	configContent := `
sidecar:
  mode: packaged
  search_depth: 3
  binary: custom-worker
  resource_dir: ~/bundle/resources
  stderr: discard
storage:
  logs: ~/custom/logs
  settings: ~/custom/settings.json
credentials:
  backends: [file]
server:
  addr: 127.0.0.1:9000
`
	require.NoError(t, os.WriteFile(
		filepath.Join(configDir, "config.yaml"),
		[]byte(configContent),
		0o644,
	))

	loader, err := NewLoader()
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "packaged", cfg.Sidecar.Mode)
	assert.Equal(t, 3, cfg.Sidecar.SearchDepth)
	assert.Equal(t, "custom-worker", cfg.Sidecar.Binary)
	assert.Equal(t, filepath.Join(tmpHome, "bundle", "resources"), cfg.Sidecar.ResourceDir)
	assert.Equal(t, StderrDiscard, cfg.Sidecar.Stderr)
	assert.Equal(t, filepath.Join(tmpHome, "custom", "logs"), cfg.Storage.Logs)
	assert.Equal(t, filepath.Join(tmpHome, "custom", "settings.json"), cfg.Storage.Settings)
	assert.Equal(t, []string{"file"}, cfg.Credentials.Backends)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)

	// Unset keys fall back to defaults.
	assert.Equal(t, "sidecar.main", cfg.Sidecar.Module)
	assert.Equal(t, 256, cfg.Sidecar.Buffer)
}

func TestLoader_Load_EnvVarOverride(t *testing.T) {
	_, _ = setupHome(t)
	t.Setenv("EXAMPARSE_MODE", "packaged")
	t.Setenv("EXAMPARSE_PROJECT_DIR", "/srv/examparse")
	t.Setenv("EXAMPARSE_SIDECAR_STDERR", "discard")

	loader, err := NewLoader()
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	// Env vars should override file defaults
	assert.Equal(t, "packaged", cfg.Sidecar.Mode)
	assert.Equal(t, "/srv/examparse", cfg.Sidecar.ProjectDir)
	assert.Equal(t, StderrDiscard, cfg.Sidecar.Stderr)
}

func TestLoader_Path(t *testing.T) {
	_, configDir := setupHome(t)

	loader, err := NewLoader()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(configDir, "config.yaml"), loader.Path())
}

func TestLoader_Get(t *testing.T) {
	_, _ = setupHome(t)

	loader, err := NewLoader()
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	t.Run("valid key returns value", func(t *testing.T) {
		val, err := loader.Get("sidecar.module")
		require.NoError(t, err)
		assert.Equal(t, "sidecar.main", val)
	})

	t.Run("invalid key returns error", func(t *testing.T) {
		_, err := loader.Get("invalid.key")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestLoader_Set(t *testing.T) {
	_, _ = setupHome(t)

	loader, err := NewLoader()
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	t.Run("sets valid key", func(t *testing.T) {
		err := loader.Set("sidecar.mode", "packaged")
		require.NoError(t, err)

		val, err := loader.Get("sidecar.mode")
		require.NoError(t, err)
		assert.Equal(t, "packaged", val)
	})

	t.Run("persists numeric values", func(t *testing.T) {
		require.NoError(t, loader.Set("sidecar.search_depth", "9"))

		reloaded, err := NewLoader()
		require.NoError(t, err)
		cfg, err := reloaded.Load()
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Sidecar.SearchDepth)
		assert.Equal(t, "packaged", cfg.Sidecar.Mode)
	})

	t.Run("rejects invalid key", func(t *testing.T) {
		err := loader.Set("invalid.key", "value")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("rejects invalid mode", func(t *testing.T) {
		err := loader.Set("sidecar.mode", "cloud")
		assert.ErrorIs(t, err, ErrInvalidMode)
	})

	t.Run("rejects invalid stderr policy", func(t *testing.T) {
		err := loader.Set("sidecar.stderr", "syslog")
		assert.ErrorIs(t, err, ErrInvalidStderr)
	})
}

func validConfig() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			Mode:        "development",
			SearchDepth: 6,
			Interpreter: "python",
			Module:      "sidecar.main",
			Binary:      "examparse-sidecar",
			Stderr:      StderrCapture,
			Buffer:      256,
		},
		Storage: StorageConfig{Data: "/tmp/data", Logs: "/tmp/logs", Settings: "/tmp/settings.json"},
		Server:  ServerConfig{Addr: "127.0.0.1:7424"},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sidecar.Mode = "cloud"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Mode")
	})

	t.Run("zero search depth", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sidecar.SearchDepth = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SearchDepth")
	})

	t.Run("zero buffer", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sidecar.Buffer = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad server address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Addr = "not an address"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Addr")
	})

	t.Run("missing settings path", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.Settings = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Settings")
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"sidecar.mode is valid", "sidecar.mode", nil},
		{"sidecar.project_dir is valid", "sidecar.project_dir", nil},
		{"sidecar.stderr is valid", "sidecar.stderr", nil},
		{"storage.logs is valid", "storage.logs", nil},
		{"storage.settings is valid", "storage.settings", nil},
		{"credentials.backends is valid", "credentials.backends", nil},
		{"server.addr is valid", "server.addr", nil},
		{"sidecar is valid", "sidecar", nil},
		{"unknown.key returns error", "unknown.key", ErrInvalidKey},
		{"empty key returns error", "", ErrInvalidKey},
		{"random key returns error", "foo", ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "sidecar.buffer")
	assert.Contains(t, keys, "server.addr")
	assert.NotContains(t, keys, "default.agent")
}

func TestLoader_expandPath(t *testing.T) {
	tmpHome := "/home/test"
	loader := &Loader{homeDir: tmpHome}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"expands ~/ prefix", "~/foo", filepath.Join(tmpHome, "foo")},
		{"expands ~ alone", "~", tmpHome},
		{"preserves absolute path", "/absolute/path", "/absolute/path"},
		{"preserves relative path", "relative/path", "relative/path"},
		{"preserves empty path", "", ""},
		{"handles nested paths", "~/foo/bar/baz", filepath.Join(tmpHome, "foo", "bar", "baz")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.expandPath(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}
