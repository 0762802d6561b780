package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/events"
	"github.com/jmgilman/examparse/internal/sidecar"
	"github.com/jmgilman/examparse/internal/slogger"
	"github.com/jmgilman/examparse/internal/spinner"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <input>...",
	Short: "Run the extraction worker on one or more PDFs",
	Long: `Run the extraction worker and stream its progress events.

All inputs go to a single worker process unless --each is given, in which
case every input gets its own process and runs proceed in parallel. With one
input, --output names the result file; with several it names a directory.

The worker's diagnostic output is written to a per-run log file, see
'examparse logs'.`,
	Example: `  # Extract one exam
  examparse run exam.pdf -o exam.json

  # Several exams in one worker process
  examparse run a.pdf b.pdf -o out/

  # One worker per exam, four at a time
  examparse run --each -j 4 exams/*.pdf -o out/

  # Exercise the pipeline without calling the model
  examparse run --mock exam.pdf

  # Show a live status line and only print failures
  examparse run -q exam.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRunCmd,
}

var (
	runMock   bool
	runOutput string
	runEach   bool
	runRaw    bool
	runJobs   int
	runQuiet  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runMock, "mock", false, "run the worker in mock mode")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output file (one input) or directory (several inputs)")
	runCmd.Flags().BoolVar(&runEach, "each", false, "start one worker per input")
	runCmd.Flags().BoolVar(&runRaw, "raw", false, "print worker lines verbatim")
	runCmd.Flags().IntVarP(&runJobs, "jobs", "j", runtime.NumCPU(), "maximum concurrent workers with --each")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "show a status line instead of every event")
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	sink := newRenderer(cmd.OutOrStdout(), runRaw)
	if runQuiet {
		sink.quiet = true
		if f, ok := cmd.ErrOrStderr().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			sp := spinner.New(f)
			sink.live = sp
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				_ = sp.Start() //nolint:errcheck // display only
			}()
			defer func() {
				sp.Stop()
				<-stopped
			}()
		}
	}

	r, err := newRunner(cfg, sink, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	requests := buildRequests(args, runOutput, runMock, runEach)

	g, ctx := errgroup.WithContext(cmd.Context())
	if runJobs > 0 {
		g.SetLimit(runJobs)
	}

	log := slogger.L(ctx)
	for _, req := range requests {
		g.Go(func() error {
			run, err := r.Start(ctx, req)
			if err != nil {
				return fmt.Errorf("start worker for %s: %w", strings.Join(req.Inputs, ", "), err)
			}
			log.Info("worker started", "run_id", run.ID, "pid", run.PID, "log", run.LogPath)

			select {
			case <-run.Done():
				log.Info("worker finished", "run_id", run.ID, "lines", run.Lines(), "skipped", run.Skipped())
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("all workers finished", "files", sink.Files(), "failures", sink.Failures())

	if n := sink.Failures(); n > 0 {
		return fmt.Errorf("worker reported %d error event(s)", n)
	}
	return nil
}

// buildRequests splits inputs into run requests. With each, every input is
// its own request and a non-empty output is treated as a directory.
func buildRequests(inputs []string, output string, mock, each bool) []sidecar.RunRequest {
	mode := sidecar.RunNormal
	if mock {
		mode = sidecar.RunMock
	}

	if !each {
		return []sidecar.RunRequest{{Inputs: inputs, Output: output, Mode: mode}}
	}

	requests := make([]sidecar.RunRequest, 0, len(inputs))
	for _, in := range inputs {
		req := sidecar.RunRequest{Inputs: []string{in}, Mode: mode}
		if output != "" {
			stem := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
			req.Output = filepath.Join(output, stem+".json")
		}
		requests = append(requests, req)
	}
	return requests
}

// renderer prints worker lines to a terminal. Event records are rendered
// compactly unless raw is set; other lines pass through unchanged. In quiet
// mode only error events are printed and everything goes to live, if set.
type renderer struct {
	out   io.Writer
	raw   bool
	quiet bool
	live  bridge.Sink

	mu       sync.Mutex
	failures atomic.Int64
	files    atomic.Int64
}

func newRenderer(out io.Writer, raw bool) *renderer {
	return &renderer{out: out, raw: raw}
}

// Emit implements bridge.Sink.
func (r *renderer) Emit(e bridge.Event) {
	line := e.Text
	failed := false
	if ev, err := events.Parse(e.Text); err == nil {
		if ev.IsTerminal() {
			r.files.Add(1)
		}
		if ev.Type == events.TypeError {
			r.failures.Add(1)
			failed = true
		}
		if !r.raw {
			line = ev.String()
		}
	}

	if r.quiet {
		if r.live != nil {
			r.live.Emit(e)
		}
		if !failed {
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}

// Files returns the number of files whose pipeline ended, failed or not.
func (r *renderer) Files() int64 {
	return r.files.Load()
}

// Failures returns the number of error events seen.
func (r *renderer) Failures() int64 {
	return r.failures.Load()
}
