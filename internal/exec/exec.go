// Package exec provides an abstraction over executing external commands.
package exec

import (
	"context"
	"fmt"
	"io"
)

// Result holds the output from a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunOptions configures command execution.
type RunOptions struct {
	Name   string    // Command name or path (required)
	Args   []string  // Command arguments
	Dir    string    // Working directory (empty = current)
	Env    []string  // Additional environment variables (KEY=VALUE format)
	Stdin  io.Reader // Stdin source (nil = no input)
	Stdout io.Writer // If set, streams stdout here instead of capturing
	Stderr io.Writer // If set, streams stderr here instead of capturing
}

// StartOptions configures a long-running process whose stdout is consumed
// as a stream. Stdin is never connected.
type StartOptions struct {
	Name string   // Command name or path (required)
	Args []string // Command arguments
	Dir  string   // Working directory (empty = current)
	Env  []string // Additional environment variables (KEY=VALUE format)

	// Stderr receives the child's standard error. Nil discards it. The copy
	// runs on its own goroutine inside os/exec, so an unread writer never
	// blocks stdout; the writer itself must not block.
	Stderr io.Writer
}

// SpawnError reports that a process could not be started. It is distinct
// from failures after a successful start, which surface only through Wait.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

// Unwrap returns the OS-level cause.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Executor runs external commands.
//
//go:generate go run github.com/matryer/moq@latest -pkg mocks -out mocks/executor.go . Executor
type Executor interface {
	// Run executes a command and returns its output.
	// If Stdout/Stderr writers are set in opts, output streams there and
	// Result.Stdout/Stderr will be nil.
	// Returns os/exec.ExitError on non-zero exit (use errors.As to extract).
	Run(ctx context.Context, opts *RunOptions) (*Result, error)

	// Start spawns a process and returns as soon as it is running.
	// Failure to start returns *SpawnError.
	Start(ctx context.Context, opts *StartOptions) (*Process, error)

	// LookPath searches for an executable in PATH.
	// Returns the full path if found, or an error if not.
	LookPath(name string) (string, error)
}
