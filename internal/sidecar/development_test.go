package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nestedDir creates depth directories below root and returns the deepest.
func nestedDir(t *testing.T, root string, depth int) string {
	t.Helper()
	dir := root
	for i := range depth {
		dir = filepath.Join(dir, "d"+string(rune('a'+i)))
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
}

func TestFindProjectRoot(t *testing.T) {
	t.Run("finds marker in start directory", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sidecar", "main.py"))

		got, err := FindProjectRoot(root, DefaultSearchDepth, DefaultRootMarkers)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("finds root six levels up", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, ".examparse-root"))
		start := nestedDir(t, root, 6)

		got, err := FindProjectRoot(start, 6, DefaultRootMarkers)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("fails one level beyond the bound", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, ".examparse-root"))
		start := nestedDir(t, root, 7)

		_, err := FindProjectRoot(start, 6, DefaultRootMarkers)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRootNotFound)
		assert.ErrorIs(t, err, ErrResolution)
	})

	t.Run("accepts a marker directory", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sidecar"), 0o755))
		start := nestedDir(t, root, 2)

		got, err := FindProjectRoot(start, 6, []string{"sidecar"})

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("rejects empty start", func(t *testing.T) {
		_, err := FindProjectRoot("", 6, DefaultRootMarkers)
		assert.ErrorIs(t, err, ErrRootNotFound)
	})
}

func TestDevelopment_Resolve(t *testing.T) {
	t.Run("falls back to bare interpreter", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sidecar", "main.py"))

		d := &Development{StartDir: nestedDir(t, root, 2)}
		exe, err := d.Resolve()

		require.NoError(t, err)
		assert.Equal(t, DefaultInterpreter, exe.Path)
		assert.Equal(t, []string{"-m", DefaultModule}, exe.BaseArgs)
		assert.Equal(t, root, exe.Dir)
		assert.Equal(t, root, exe.Env[PythonPathEnv])
	})

	t.Run("prefers windows venv over unix venv", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sidecar", "main.py"))
		win := filepath.Join(root, ".venv", "Scripts", "python.exe")
		writeFile(t, win)
		writeFile(t, filepath.Join(root, ".venv", "bin", "python"))

		exe, err := (&Development{StartDir: root}).Resolve()

		require.NoError(t, err)
		assert.Equal(t, win, exe.Path)
	})

	t.Run("uses unix venv when present", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sidecar", "main.py"))
		unix := filepath.Join(root, ".venv", "bin", "python")
		writeFile(t, unix)

		exe, err := (&Development{StartDir: root}).Resolve()

		require.NoError(t, err)
		assert.Equal(t, unix, exe.Path)
	})

	t.Run("honors custom interpreter and module", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sidecar", "main.py"))

		d := &Development{StartDir: root, Interpreter: "python3", Module: "worker.cli"}
		exe, err := d.Resolve()

		require.NoError(t, err)
		assert.Equal(t, "python3", exe.Path)
		assert.Equal(t, []string{"-m", "worker.cli"}, exe.BaseArgs)
	})

	t.Run("propagates root not found", func(t *testing.T) {
		d := &Development{StartDir: t.TempDir(), MaxDepth: 1, Markers: []string{"no-such-marker"}}
		_, err := d.Resolve()
		assert.ErrorIs(t, err, ErrRootNotFound)
	})
}

func TestParseMode(t *testing.T) {
	for _, name := range []string{ModeDevelopment, ModePackaged} {
		got, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}

	_, err := ParseMode("bundled")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
