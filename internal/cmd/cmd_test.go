package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/catalog"
	"github.com/jmgilman/examparse/internal/config"
	"github.com/jmgilman/examparse/internal/exec"
	"github.com/jmgilman/examparse/internal/keychain"
	"github.com/jmgilman/examparse/internal/logging"
	"github.com/jmgilman/examparse/internal/settings"
	"github.com/jmgilman/examparse/internal/sidecar"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(keychain.PasswordEnv, "test-passphrase")
	return &config.Config{
		Sidecar: config.SidecarConfig{
			Mode:        sidecar.ModeDevelopment,
			ProjectDir:  dir,
			SearchDepth: 6,
			Interpreter: "python",
			Module:      "sidecar.main",
			Binary:      "examparse-sidecar",
			Stderr:      config.StderrCapture,
			Buffer:      16,
		},
		Storage: config.StorageConfig{
			Data:     filepath.Join(dir, "data"),
			Logs:     filepath.Join(dir, "logs"),
			Settings: filepath.Join(dir, "settings.json"),
		},
		Credentials: config.CredentialsConfig{Backends: []string{"file"}},
		Server:      config.ServerConfig{Addr: "127.0.0.1:0"},
	}
}

func TestBuildRequests(t *testing.T) {
	t.Run("single request", func(t *testing.T) {
		reqs := buildRequests([]string{"a.pdf", "b.pdf"}, "out/", true, false)
		require.Len(t, reqs, 1)
		assert.Equal(t, []string{"a.pdf", "b.pdf"}, reqs[0].Inputs)
		assert.Equal(t, "out/", reqs[0].Output)
		assert.Equal(t, sidecar.RunMock, reqs[0].Mode)
	})

	t.Run("one request per input", func(t *testing.T) {
		reqs := buildRequests([]string{"exams/a.pdf", "b.pdf"}, "out", false, true)
		require.Len(t, reqs, 2)
		assert.Equal(t, []string{"exams/a.pdf"}, reqs[0].Inputs)
		assert.Equal(t, filepath.Join("out", "a.json"), reqs[0].Output)
		assert.Equal(t, filepath.Join("out", "b.json"), reqs[1].Output)
		assert.Equal(t, sidecar.RunNormal, reqs[1].Mode)
	})

	t.Run("each without output", func(t *testing.T) {
		reqs := buildRequests([]string{"a.pdf"}, "", false, true)
		require.Len(t, reqs, 1)
		assert.Empty(t, reqs[0].Output)
	})
}

func TestRenderer(t *testing.T) {
	line := `{"type":"progress","stage":"split","fileId":"1f2e3d4c5b6a","percent":0.4,"message":"splitting"}`

	t.Run("renders events and passes other lines through", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRenderer(&buf, false)

		r.Emit(bridge.Event{Text: line})
		r.Emit(bridge.Event{Text: "plain log line"})

		assert.Equal(t, "[1f2e3d4c] split progress 40% splitting\nplain log line\n", buf.String())
		assert.Zero(t, r.Failures())
	})

	t.Run("raw mode prints verbatim", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRenderer(&buf, true)

		r.Emit(bridge.Event{Text: line})
		assert.Equal(t, line+"\n", buf.String())
	})

	t.Run("counts error events", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRenderer(&buf, true)

		r.Emit(bridge.Event{Text: `{"type":"error","stage":"parse","fileId":"f1","message":"bad page"}`})
		assert.Equal(t, int64(1), r.Failures())
	})

	t.Run("counts finished files", func(t *testing.T) {
		var buf bytes.Buffer
		r := newRenderer(&buf, false)

		r.Emit(bridge.Event{Text: line})
		r.Emit(bridge.Event{Text: `{"type":"completed","stage":"export","fileId":"f1","percent":1}`})
		r.Emit(bridge.Event{Text: `{"type":"error","stage":"parse","fileId":"f2","message":"bad page"}`})

		assert.Equal(t, int64(2), r.Files())
		assert.Equal(t, int64(1), r.Failures())
	})

	t.Run("quiet mode prints only failures", func(t *testing.T) {
		var buf bytes.Buffer
		live := &recordingSink{}
		r := newRenderer(&buf, false)
		r.quiet = true
		r.live = live

		r.Emit(bridge.Event{Text: line})
		r.Emit(bridge.Event{Text: `{"type":"error","stage":"parse","fileId":"f1","message":"bad page"}`})

		assert.Equal(t, "[f1] parse error bad page\n", buf.String())
		assert.Len(t, live.events, 2)
	})
}

type recordingSink struct {
	events []bridge.Event
}

func (s *recordingSink) Emit(e bridge.Event) {
	s.events = append(s.events, e)
}

func TestApplySetting(t *testing.T) {
	s := settings.Defaults()

	require.NoError(t, applySetting(&s, "model_name", " gpt-4o-mini "))
	require.NoError(t, applySetting(&s, "base_url", "http://localhost:11434/v1"))
	require.NoError(t, applySetting(&s, "ocr_enabled", "true"))
	require.NoError(t, applySetting(&s, "first_launch", "false"))

	assert.Equal(t, settings.AppSettings{
		ModelName:   "gpt-4o-mini",
		BaseURL:     "http://localhost:11434/v1",
		OCREnabled:  true,
		FirstLaunch: false,
	}, s)

	assert.Error(t, applySetting(&s, "ocr_enabled", "maybe"))
	assert.ErrorIs(t, applySetting(&s, "api_key", "sk-1"), errUnknownSetting)
}

func TestReadSecret(t *testing.T) {
	secret, err := readSecret(strings.NewReader("  sk-abc  \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", secret)

	secret, err = readSecret(strings.NewReader("sk-no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "sk-no-newline", secret)

	_, err = readSecret(strings.NewReader("\n"))
	assert.ErrorIs(t, err, keychain.ErrEmptySecret)
}

func TestShowAuthStatus(t *testing.T) {
	kc := keychain.NewWithKeyring(keyring.NewArrayKeyring(nil))

	var buf bytes.Buffer
	require.NoError(t, showAuthStatus(&buf, kc))
	assert.Equal(t, "API key: not configured\n", buf.String())

	require.NoError(t, kc.Save("sk-abc"))
	buf.Reset()
	require.NoError(t, showAuthStatus(&buf, kc))
	assert.Equal(t, "API key: configured\n", buf.String())
	assert.NotContains(t, buf.String(), "sk-abc")
}

func TestWorkerEnviron(t *testing.T) {
	store := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, store.Save(settings.AppSettings{
		ModelName:  "gpt-4o-mini",
		BaseURL:    "https://example.com/v1",
		OCREnabled: true,
	}))

	kc := keychain.NewWithKeyring(keyring.NewArrayKeyring(nil))
	keys := func() (keychain.Keychain, error) { return kc, nil }

	t.Run("without API key", func(t *testing.T) {
		env, err := workerEnviron(store, keys)()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			"OPENAI_API_BASE=https://example.com/v1",
			"OPENAI_MODEL_NAME=gpt-4o-mini",
			"EXAMPARSE_OCR_ENABLED=true",
		}, env)
	})

	t.Run("with API key", func(t *testing.T) {
		require.NoError(t, kc.Save("sk-abc"))
		env, err := workerEnviron(store, keys)()
		require.NoError(t, err)
		assert.Contains(t, env, "OPENAI_API_KEY=sk-abc")
	})

	t.Run("keychain read failure keeps settings", func(t *testing.T) {
		locked := func() (keychain.Keychain, error) { return lockedKeychain{kc}, nil }
		env, err := workerEnviron(store, locked)()

		var credErr *keychain.CredentialError
		require.ErrorAs(t, err, &credErr)
		assert.ElementsMatch(t, []string{
			"OPENAI_API_BASE=https://example.com/v1",
			"OPENAI_MODEL_NAME=gpt-4o-mini",
			"EXAMPARSE_OCR_ENABLED=true",
		}, env)
	})

	t.Run("keychain unavailable keeps settings", func(t *testing.T) {
		broken := func() (keychain.Keychain, error) { return nil, errors.New("no backend") }
		env, err := workerEnviron(store, broken)()
		assert.Error(t, err)
		assert.Contains(t, env, "OPENAI_MODEL_NAME=gpt-4o-mini")
	})
}

func TestPrintRuns(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printRuns(&buf, nil))
		assert.Equal(t, "No runs recorded\n", buf.String())
	})

	t.Run("table", func(t *testing.T) {
		start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		end := start.Add(90 * time.Second)

		var buf bytes.Buffer
		require.NoError(t, printRuns(&buf, []catalog.Entry{
			{ID: "run-1", Status: catalog.StatusFinished, StartedAt: start, FinishedAt: &end, Lines: 7, Inputs: []string{"a.pdf", "b.pdf"}},
			{ID: "run-2", Status: catalog.StatusRunning, StartedAt: end, Inputs: []string{"c.pdf"}, Mock: true},
		}))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, []string{"ID", "STATUS", "STARTED", "DURATION", "LINES", "INPUTS"}, strings.Fields(lines[0]))
		assert.Contains(t, lines[1], "1m30s")
		assert.Contains(t, lines[1], "a.pdf,b.pdf")
		assert.Contains(t, lines[2], "running")
		assert.Contains(t, lines[2], "c.pdf (mock)")
	})
}

func TestRunsPrune_RemovesLogs(t *testing.T) {
	cfg := testConfig(t)
	ctx := WithConfig(context.Background(), cfg)
	history := historyStore(cfg)
	logs := logging.NewPathManager(cfg.Storage.Logs)

	for _, id := range []string{"old", "new"} {
		now := time.Now().UTC()
		require.NoError(t, history.Add(ctx, catalog.Entry{ID: id, Status: catalog.StatusFinished, StartedAt: now, FinishedAt: &now}))
		path, err := logs.EnsureRunLog(id)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("log\n"), 0o644))
	}

	var out bytes.Buffer
	runsPruneCmd.SetOut(&out)
	runsPruneCmd.SetContext(ctx)
	require.NoError(t, runsPruneCmd.Flags().Set("keep", "1"))
	t.Cleanup(func() { _ = runsPruneCmd.Flags().Set("keep", "50") })

	require.NoError(t, runRunsPruneCmd(runsPruneCmd, nil))
	assert.Equal(t, "Removed 1 run(s)\n", out.String())
	assert.False(t, logs.LogExists("old"))
	assert.True(t, logs.LogExists("new"))
}

// lockedKeychain fails every read like a locked backend.
type lockedKeychain struct {
	keychain.Keychain
}

func (lockedKeychain) Load() (string, error) {
	return "", &keychain.CredentialError{Op: "load", Err: errors.New("locked")}
}

func TestRunsRm(t *testing.T) {
	cfg := testConfig(t)
	ctx := WithConfig(context.Background(), cfg)
	history := historyStore(cfg)
	logs := logging.NewPathManager(cfg.Storage.Logs)

	require.NoError(t, history.Add(ctx, catalog.Entry{ID: "run-1", Status: catalog.StatusFinished}))
	path, err := logs.EnsureRunLog("run-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("log\n"), 0o644))

	var out bytes.Buffer
	runsRmCmd.SetOut(&out)
	runsRmCmd.SetContext(ctx)

	require.NoError(t, runRunsRmCmd(runsRmCmd, []string{"run-1"}))
	assert.Equal(t, "Removed run-1\n", out.String())
	assert.False(t, logs.LogExists("run-1"))

	_, err = history.Get(ctx, "run-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	err = runRunsRmCmd(runsRmCmd, []string{"run-1"})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestResolveRunID(t *testing.T) {
	pathMgr := logging.NewPathManager(t.TempDir())

	_, err := resolveRunID(pathMgr, latestRun)
	assert.Error(t, err)

	for i, id := range []string{"run-old", "run-new"} {
		path, err := pathMgr.EnsureRunLog(id)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o600))
		mtime := time.Now().Add(time.Duration(i-2) * time.Minute)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	id, err := resolveRunID(pathMgr, latestRun)
	require.NoError(t, err)
	assert.Equal(t, "run-new", id)

	id, err = resolveRunID(pathMgr, "run-old")
	require.NoError(t, err)
	assert.Equal(t, "run-old", id)
}

func TestDeploymentMode(t *testing.T) {
	t.Run("development uses project dir", func(t *testing.T) {
		cfg := testConfig(t)
		mode, err := deploymentMode(cfg)
		require.NoError(t, err)

		dev, ok := mode.(*sidecar.Development)
		require.True(t, ok)
		assert.Equal(t, cfg.Sidecar.ProjectDir, dev.StartDir)
		assert.Equal(t, 6, dev.MaxDepth)
	})

	t.Run("packaged uses configured resources", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Sidecar.Mode = sidecar.ModePackaged
		cfg.Sidecar.ResourceDir = "/opt/examparse/resources"

		mode, err := deploymentMode(cfg)
		require.NoError(t, err)

		pkg, ok := mode.(*sidecar.Packaged)
		require.True(t, ok)
		assert.Equal(t, "/opt/examparse/resources", pkg.ResourceDir)
		assert.Equal(t, cfg.Storage.Data, pkg.DataDir)
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Sidecar.Mode = "cloud"
		_, err := deploymentMode(cfg)
		assert.ErrorIs(t, err, sidecar.ErrUnknownMode)
	})
}

// writeProject creates a development checkout whose venv interpreter is a
// shell script running body.
func writeProject(t *testing.T, body string) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sidecar"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sidecar", "main.py"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".venv", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".venv", "bin", "python"), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return root
}

func newTestDoctor(out *bytes.Buffer) *doctor {
	return &doctor{
		out:     out,
		exec:    exec.New(),
		timeout: 5 * time.Second,
		keys: func() (keychain.Keychain, error) {
			return keychain.NewWithKeyring(keyring.NewArrayKeyring(nil)), nil
		},
	}
}

func TestDoctor(t *testing.T) {
	t.Run("healthy worker", func(t *testing.T) {
		root := writeProject(t, `echo "usage: sidecar.main [--mock] --input FILE"`)
		cfg := testConfig(t)
		cfg.Sidecar.ProjectDir = root

		mode, err := deploymentMode(cfg)
		require.NoError(t, err)

		var out bytes.Buffer
		require.NoError(t, newTestDoctor(&out).run(context.Background(), cfg, mode))

		report := out.String()
		assert.Contains(t, report, "[ok]   resolve")
		assert.Contains(t, report, "-m sidecar.main --input <input.pdf>")
		assert.Contains(t, report, "usage: sidecar.main")
		assert.Contains(t, report, "[ok]   settings")
		assert.Contains(t, report, "not configured")
	})

	t.Run("failing probe", func(t *testing.T) {
		root := writeProject(t, `echo "ModuleNotFoundError: fitz" >&2; exit 1`)
		cfg := testConfig(t)
		cfg.Sidecar.ProjectDir = root

		mode, err := deploymentMode(cfg)
		require.NoError(t, err)

		var out bytes.Buffer
		err = newTestDoctor(&out).run(context.Background(), cfg, mode)
		assert.ErrorIs(t, err, errDoctorFailed)
		assert.Contains(t, out.String(), "[fail] probe")
		assert.Contains(t, out.String(), "ModuleNotFoundError")
	})

	t.Run("unresolvable packaged sidecar", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Sidecar.Mode = sidecar.ModePackaged
		cfg.Sidecar.ResourceDir = filepath.Join(t.TempDir(), "resources")

		mode, err := deploymentMode(cfg)
		require.NoError(t, err)

		var out bytes.Buffer
		err = newTestDoctor(&out).run(context.Background(), cfg, mode)
		assert.ErrorIs(t, err, errDoctorFailed)
		assert.Contains(t, out.String(), "[fail] resolve")
		assert.Contains(t, out.String(), "searched")
	})
}

func TestNewRunner_CapturesStderrPerConfig(t *testing.T) {
	root := writeProject(t, `echo "line for $2"; echo "diagnostic" >&2`)
	cfg := testConfig(t)
	cfg.Sidecar.ProjectDir = root

	var out bytes.Buffer
	sink := newRenderer(&out, true)

	r, err := newRunner(cfg, sink, nil)
	require.NoError(t, err)

	run, err := r.Start(context.Background(), sidecar.RunRequest{Inputs: []string{"a.pdf"}})
	require.NoError(t, err)

	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	assert.Equal(t, filepath.Join(cfg.Storage.Logs, run.ID+".log"), run.LogPath)
	data, err := os.ReadFile(run.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "diagnostic\n", string(data))
}
