// Package runner starts worker runs: it resolves the sidecar, builds the
// command line, spawns the process and attaches the event bridge.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/catalog"
	"github.com/jmgilman/examparse/internal/exec"
	"github.com/jmgilman/examparse/internal/logging"
	"github.com/jmgilman/examparse/internal/sidecar"
	"github.com/jmgilman/examparse/internal/slogger"
)

// Sentinel errors for runner construction.
var (
	ErrNoMode = errors.New("deployment mode is required")
	ErrNoSink = errors.New("event sink is required")
)

// Options configures a Runner.
type Options struct {
	// Mode resolves the worker executable. Required.
	Mode sidecar.DeploymentMode

	// Sink receives every line of worker output. Required.
	Sink bridge.Sink

	// Executor spawns processes. Nil uses exec.New().
	Executor exec.Executor

	// Logs enables stderr capture to <logs>/<run-id>.log. Nil discards stderr.
	Logs *logging.PathManager

	// Echo additionally receives captured stderr, typically os.Stderr.
	Echo io.Writer

	// Buffer is the bridge channel capacity. Zero means bridge.DefaultBuffer.
	Buffer int

	// Environ supplies extra KEY=VALUE pairs for each run. An error is logged
	// and the run proceeds with whatever pairs were returned alongside it.
	Environ func() ([]string, error)

	// History records every started run. Nil keeps no history. Write
	// failures are logged and never affect the run.
	History catalog.Store
}

// Runner starts worker runs. It is safe for concurrent use; each Start is
// independent and runs may overlap.
type Runner struct {
	mode    sidecar.DeploymentMode
	sink    bridge.Sink
	exec    exec.Executor
	logs    *logging.PathManager
	echo    io.Writer
	buffer  int
	environ func() ([]string, error)
	history catalog.Store
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Mode == nil {
		return nil, ErrNoMode
	}
	if opts.Sink == nil {
		return nil, ErrNoSink
	}

	executor := opts.Executor
	if executor == nil {
		executor = exec.New()
	}

	return &Runner{
		mode:    opts.Mode,
		sink:    opts.Sink,
		exec:    executor,
		logs:    opts.Logs,
		echo:    opts.Echo,
		buffer:  opts.Buffer,
		environ: opts.Environ,
		history: opts.History,
	}, nil
}

// Mode returns the configured deployment mode name.
func (r *Runner) Mode() string {
	return r.mode.Name()
}

// Plan validates req, resolves the worker and returns the command that
// Start would spawn. Nothing is started.
func (r *Runner) Plan(req sidecar.RunRequest) (*sidecar.Command, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exe, err := r.mode.Resolve()
	if err != nil {
		return nil, err
	}

	return sidecar.Build(req, exe)
}

// env returns the command's overrides followed by the Environ extras.
func (r *Runner) env(ctx context.Context, cmd *sidecar.Command) []string {
	env := cmd.Environ()
	if r.environ == nil {
		return env
	}

	extra, err := r.environ()
	if err != nil {
		slogger.L(ctx).Warn("worker environment incomplete", "error", err)
	}
	return append(env, extra...)
}

// Run is a started worker. The caller gets no exit status: completion is
// observed only through Done and the events the sink received.
type Run struct {
	ID      string
	PID     int
	LogPath string // Empty when stderr is not captured.
	Command *sidecar.Command

	stream *bridge.Stream
	done   chan struct{}
}

// Done is closed after the worker's output has ended, every event has been
// delivered and the process has been reaped.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Lines returns the number of stdout lines read so far, skipped lines
// included.
func (r *Run) Lines() int64 {
	return r.stream.Lines()
}

// Skipped returns the number of undecodable lines dropped.
func (r *Run) Skipped() int64 {
	return r.stream.Skipped()
}

// Start launches one worker run and returns as soon as the process exists.
// Errors wrap sidecar.ErrInvalidRequest, sidecar.ErrResolution or
// *exec.SpawnError; after a successful return no error is ever reported.
// ctx only supplies the logger and the pre-spawn cancellation check.
func (r *Runner) Start(ctx context.Context, req sidecar.RunRequest) (*Run, error) {
	log := slogger.L(ctx)

	cmd, err := r.Plan(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	var (
		stderr  *logging.TeeWriter
		logPath string
	)
	if r.logs != nil {
		logPath, err = r.logs.EnsureRunLog(id)
		if err != nil {
			return nil, fmt.Errorf("prepare stderr log: %w", err)
		}
		if r.echo != nil {
			stderr, err = logging.NewTeeWriter(r.echo, logPath)
		} else {
			stderr, err = logging.LogOnlyWriter(logPath)
		}
		if err != nil {
			return nil, fmt.Errorf("prepare stderr log: %w", err)
		}
	}

	opts := &exec.StartOptions{
		Name: cmd.Path,
		Args: cmd.Args,
		Dir:  cmd.Dir,
		Env:  r.env(ctx, cmd),
	}
	if stderr != nil {
		opts.Stderr = stderr
	}

	proc, err := r.exec.Start(ctx, opts)
	if err != nil {
		if stderr != nil {
			_ = stderr.Close()           //nolint:errcheck // best-effort cleanup
			_ = r.logs.RemoveRunLog(id) //nolint:errcheck // best-effort cleanup
		}
		return nil, err
	}

	log.Debug("worker started",
		"run_id", id,
		"pid", proc.PID(),
		"mode", r.mode.Name(),
		"command", cmd.String())

	run := &Run{
		ID:      id,
		PID:     proc.PID(),
		LogPath: logPath,
		Command: cmd,
		stream:  bridge.Start(ctx, proc, r.sink, bridge.Options{RunID: id, Buffer: r.buffer}),
		done:    make(chan struct{}),
	}

	started := time.Now().UTC()

	go func() {
		defer close(run.done)

		// Start must not wait on the history file lock.
		entry := r.record(ctx, run, req, started)
		<-run.stream.Done()

		// os/exec has finished copying stderr once the process is reaped.
		if stderr != nil {
			if err := stderr.Close(); err != nil {
				log.Warn("close stderr log", "run_id", id, "path", stderr.LogPath(), "error", err)
			}
		}

		log.Debug("worker finished",
			"run_id", id,
			"exit_code", proc.ExitCode(),
			"lines", run.stream.Lines(),
			"skipped", run.stream.Skipped(),
			"dropped", run.stream.Dropped())

		if entry != nil {
			r.finish(ctx, entry, run)
		}
	}()

	return run, nil
}

// record adds a running entry to the history.
func (r *Runner) record(ctx context.Context, run *Run, req sidecar.RunRequest, started time.Time) *catalog.Entry {
	if r.history == nil {
		return nil
	}

	entry := &catalog.Entry{
		ID:        run.ID,
		PID:       run.PID,
		Mode:      r.mode.Name(),
		Inputs:    req.Inputs,
		Output:    req.Output,
		Mock:      req.Mode == sidecar.RunMock,
		LogPath:   run.LogPath,
		StartedAt: started,
		Status:    catalog.StatusRunning,
	}
	if err := r.history.Add(context.WithoutCancel(ctx), *entry); err != nil {
		slogger.L(ctx).Warn("record run history", "run_id", run.ID, "error", err)
		return nil
	}
	return entry
}

// finish marks a recorded run as finished.
func (r *Runner) finish(ctx context.Context, entry *catalog.Entry, run *Run) {
	now := time.Now().UTC()
	entry.FinishedAt = &now
	entry.Status = catalog.StatusFinished
	entry.Lines = run.stream.Lines()
	entry.Skipped = run.stream.Skipped()

	if err := r.history.Update(context.WithoutCancel(ctx), *entry); err != nil {
		slogger.L(ctx).Warn("update run history", "run_id", run.ID, "error", err)
	}
}
