package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/catalog"
	"github.com/jmgilman/examparse/internal/config"
	"github.com/jmgilman/examparse/internal/keychain"
	"github.com/jmgilman/examparse/internal/logging"
	"github.com/jmgilman/examparse/internal/runner"
	"github.com/jmgilman/examparse/internal/settings"
	"github.com/jmgilman/examparse/internal/sidecar"
)

// Environment variables read by the worker.
const (
	envAPIKey     = "OPENAI_API_KEY"
	envAPIBase    = "OPENAI_API_BASE"
	envModelName  = "OPENAI_MODEL_NAME"
	envOCREnabled = "EXAMPARSE_OCR_ENABLED"
)

// Locations under the data dir.
const (
	keyringDir  = "keyring"
	historyFile = "runs.json"
)

func requireConfig(ctx context.Context) (*config.Config, error) {
	cfg := ConfigFromContext(ctx)
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func requireLoader(ctx context.Context) (*config.Loader, error) {
	loader := LoaderFromContext(ctx)
	if loader == nil {
		return nil, errors.New("configuration not loaded")
	}
	return loader, nil
}

// deploymentMode builds the configured resolver. Development mode searches
// from the configured project dir, or the working directory when unset.
func deploymentMode(cfg *config.Config) (sidecar.DeploymentMode, error) {
	name, err := sidecar.ParseMode(cfg.Sidecar.Mode)
	if err != nil {
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	if name == sidecar.ModeDevelopment {
		start := cfg.Sidecar.ProjectDir
		if start == "" {
			start = wd
		}
		return &sidecar.Development{
			StartDir:    start,
			MaxDepth:    cfg.Sidecar.SearchDepth,
			Interpreter: cfg.Sidecar.Interpreter,
			Module:      cfg.Sidecar.Module,
		}, nil
	}

	resources := cfg.Sidecar.ResourceDir
	if resources == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		resources = filepath.Join(filepath.Dir(exe), "resources")
	}

	return &sidecar.Packaged{
		Binary:      cfg.Sidecar.Binary,
		GOOS:        runtime.GOOS,
		ResourceDir: resources,
		DataDir:     cfg.Storage.Data,
		WorkDir:     wd,
	}, nil
}

func settingsStore(cfg *config.Config) *settings.Store {
	return settings.NewStore(cfg.Storage.Settings)
}

func historyStore(cfg *config.Config) catalog.Store {
	return catalog.NewStore(filepath.Join(cfg.Storage.Data, historyFile))
}

func openKeychain(cfg *config.Config) (keychain.Keychain, error) {
	return keychain.New(keychain.Config{
		Backends: cfg.Credentials.Backends,
		FileDir:  filepath.Join(cfg.Storage.Data, keyringDir),
	})
}

// newRunner wires a runner for cfg. Captured stderr is also echoed to echo
// when it is non-nil.
func newRunner(cfg *config.Config, sink bridge.Sink, echo io.Writer) (*runner.Runner, error) {
	mode, err := deploymentMode(cfg)
	if err != nil {
		return nil, err
	}

	opts := runner.Options{
		Mode:    mode,
		Sink:    sink,
		Buffer:  cfg.Sidecar.Buffer,
		History: historyStore(cfg),
		Environ: workerEnviron(settingsStore(cfg), func() (keychain.Keychain, error) { return openKeychain(cfg) }),
	}
	if cfg.Sidecar.Stderr == config.StderrCapture {
		opts.Logs = logging.NewPathManager(cfg.Storage.Logs)
		opts.Echo = echo
	}

	return runner.New(opts)
}

// workerEnviron passes the stored settings and API key to the worker. The
// keychain is opened lazily since some backends prompt. When the keychain is
// unavailable the settings pairs are still returned with the error.
func workerEnviron(store *settings.Store, keys func() (keychain.Keychain, error)) func() ([]string, error) {
	return func() ([]string, error) {
		s, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}

		env := []string{
			envAPIBase + "=" + s.BaseURL,
			envModelName + "=" + s.ModelName,
			envOCREnabled + "=" + strconv.FormatBool(s.OCREnabled),
		}

		kc, err := keys()
		if err != nil {
			return env, fmt.Errorf("open keychain: %w", err)
		}
		secret, err := kc.Load()
		switch {
		case errors.Is(err, keychain.ErrNotFound):
		case err != nil:
			return env, fmt.Errorf("load API key: %w", err)
		default:
			env = append(env, envAPIKey+"="+secret)
		}

		return env, nil
	}
}
