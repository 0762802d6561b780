package sidecar

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Worker CLI flags.
const (
	FlagMock      = "--mock"
	FlagInput     = "--input"
	FlagInputs    = "--inputs"
	FlagOutput    = "--output"
	FlagOutputDir = "--output-dir"
)

// RunMode selects between the worker's mock pipeline and real processing.
type RunMode int

const (
	// RunNormal processes inputs for real.
	RunNormal RunMode = iota
	// RunMock runs the worker's simulated pipeline.
	RunMock
)

// String returns the mode name.
func (m RunMode) String() string {
	if m == RunMock {
		return "mock"
	}
	return "normal"
}

// RunRequest is one logical invocation of the worker.
type RunRequest struct {
	Inputs []string
	Output string // optional; file for one input, directory for several
	Mode   RunMode
}

// Validate checks caller-side invariants.
func (r RunRequest) Validate() error {
	if len(r.Inputs) == 0 {
		return fmt.Errorf("%w: at least one input is required", ErrInvalidRequest)
	}
	for i, in := range r.Inputs {
		if strings.TrimSpace(in) == "" {
			return fmt.Errorf("%w: input %d is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Command is a fully built, directly spawnable worker invocation. It is
// immutable once returned by Build.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Environ returns the overrides as sorted KEY=VALUE pairs.
func (c *Command) Environ() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// String renders the command line for display.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Build turns a request and a resolved executable into a Command. It has no
// side effects and copies everything it takes from exe.
func Build(req RunRequest, exe *Executable) (*Command, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	args := slices.Clone(exe.BaseArgs)
	if req.Mode == RunMock {
		args = append(args, FlagMock)
	}

	if len(req.Inputs) == 1 {
		args = append(args, FlagInput, req.Inputs[0])
		if req.Output != "" {
			args = append(args, FlagOutput, req.Output)
		}
	} else {
		args = append(args, FlagInputs)
		args = append(args, req.Inputs...)
		if req.Output != "" {
			args = append(args, FlagOutputDir, req.Output)
		}
	}

	return &Command{
		Path: exe.Path,
		Args: args,
		Dir:  exe.Dir,
		Env:  maps.Clone(exe.Env),
	}, nil
}
