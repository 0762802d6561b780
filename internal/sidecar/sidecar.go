// Package sidecar locates the worker executable and builds its invocation.
//
// Two deployment modes exist. In development mode the worker is a Python
// module run by an interpreter found relative to the project root; in
// packaged mode it is a standalone binary shipped with the application.
// Both satisfy DeploymentMode, and Build turns either result plus a
// RunRequest into a directly spawnable Command.
package sidecar

import (
	"errors"
	"fmt"
	"os"
)

// Mode names accepted by ParseMode and stored in configuration.
const (
	ModeDevelopment = "development"
	ModePackaged    = "packaged"
)

// Sentinel errors for resolution and request validation.
var (
	// ErrResolution is the root of every resolution failure.
	ErrResolution = errors.New("sidecar resolution failed")

	// ErrRootNotFound is returned when no project root exists within the search bound.
	ErrRootNotFound = fmt.Errorf("%w: project root not found", ErrResolution)

	// ErrSidecarNotFound is returned when no packaged sidecar binary exists in any candidate directory.
	ErrSidecarNotFound = fmt.Errorf("%w: sidecar executable not found", ErrResolution)

	// ErrInvalidRequest is returned for malformed run requests. It is a caller error.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrUnknownMode is returned by ParseMode for unrecognized mode names.
	ErrUnknownMode = errors.New("unknown deployment mode")
)

// Executable is the result of resolution: the program to start and the base
// invocation that precedes the worker's own flags.
type Executable struct {
	// Path is the interpreter or sidecar binary. It may be a bare name that is
	// looked up in PATH at spawn time.
	Path string

	// BaseArgs precede the worker flags (e.g. "-m sidecar.main").
	BaseArgs []string

	// Dir is the working directory for the worker. Empty means inherit.
	Dir string

	// Env holds environment overrides applied on top of the host environment.
	Env map[string]string
}

// DeploymentMode resolves the worker executable for one deployment style.
type DeploymentMode interface {
	// Name returns the mode name (ModeDevelopment or ModePackaged).
	Name() string

	// Resolve returns exactly one executable or an error wrapping ErrResolution.
	Resolve() (*Executable, error)
}

// ParseMode validates a configured mode name.
func ParseMode(name string) (string, error) {
	switch name {
	case ModeDevelopment, ModePackaged:
		return name, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: %s, %s)", ErrUnknownMode, name, ModeDevelopment, ModePackaged)
	}
}

// isFile reports whether path exists and is not a directory.
func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// exists reports whether path exists as a file or directory.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
