package sidecar

import (
	"fmt"
	"path/filepath"
)

// Development mode defaults.
const (
	DefaultSearchDepth = 6
	DefaultInterpreter = "python"
	DefaultModule      = "sidecar.main"

	// PythonPathEnv exposes the project root to the interpreter's module search.
	PythonPathEnv = "PYTHONPATH"
)

// DefaultRootMarkers identify a project root. Any one of them is enough.
var DefaultRootMarkers = []string{
	filepath.Join("sidecar", "main.py"),
	".examparse-root",
}

// venvInterpreters lists project-local interpreters in priority order.
var venvInterpreters = []string{
	filepath.Join(".venv", "Scripts", "python.exe"),
	filepath.Join(".venv", "bin", "python"),
}

// Development runs the worker as a module from a source checkout.
type Development struct {
	// StartDir is where the upward root search begins. It is injected by the
	// caller and never read from the process working directory.
	StartDir string

	// MaxDepth bounds how many parent directories are searched above StartDir.
	// Zero means DefaultSearchDepth.
	MaxDepth int

	// Markers overrides DefaultRootMarkers when non-empty.
	Markers []string

	// Interpreter is the bare fallback name used when no virtualenv exists.
	Interpreter string

	// Module is the worker module passed to the interpreter's -m flag.
	Module string
}

// Name implements DeploymentMode.
func (d *Development) Name() string {
	return ModeDevelopment
}

// Resolve finds the project root and selects an interpreter. Interpreter
// selection never fails: the bare fallback name is accepted as-is and may
// still fail at spawn time.
func (d *Development) Resolve() (*Executable, error) {
	root, err := FindProjectRoot(d.StartDir, d.depth(), d.markers())
	if err != nil {
		return nil, err
	}

	return &Executable{
		Path:     d.interpreter(root),
		BaseArgs: []string{"-m", d.module()},
		Dir:      root,
		Env:      map[string]string{PythonPathEnv: root},
	}, nil
}

func (d *Development) interpreter(root string) string {
	for _, rel := range venvInterpreters {
		candidate := filepath.Join(root, rel)
		if isFile(candidate) {
			return candidate
		}
	}
	if d.Interpreter != "" {
		return d.Interpreter
	}
	return DefaultInterpreter
}

func (d *Development) depth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return DefaultSearchDepth
}

func (d *Development) markers() []string {
	if len(d.Markers) > 0 {
		return d.Markers
	}
	return DefaultRootMarkers
}

func (d *Development) module() string {
	if d.Module != "" {
		return d.Module
	}
	return DefaultModule
}

// FindProjectRoot walks upward from start, checking start itself and at most
// maxDepth parents, and returns the first directory containing any marker.
func FindProjectRoot(start string, maxDepth int, markers []string) (string, error) {
	if start == "" {
		return "", fmt.Errorf("%w: empty start directory", ErrRootNotFound)
	}

	dir := filepath.Clean(start)
	for level := 0; level <= maxDepth; level++ {
		for _, marker := range markers {
			if exists(filepath.Join(dir, marker)) {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("%w: searched %d levels above %s", ErrRootNotFound, maxDepth, start)
}
