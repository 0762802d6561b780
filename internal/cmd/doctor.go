package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/examparse/internal/config"
	"github.com/jmgilman/examparse/internal/exec"
	"github.com/jmgilman/examparse/internal/keychain"
	"github.com/jmgilman/examparse/internal/sidecar"
)

// defaultProbeTimeout bounds the worker --help probe.
const defaultProbeTimeout = 30 * time.Second

// errDoctorFailed is returned when any check fails.
var errDoctorFailed = errors.New("one or more checks failed")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the worker can be found and started",
	Long: `Resolve the extraction worker for the configured mode, print the command
line a run would use and start the worker with --help to confirm it works.
Settings and the API key are checked as well.`,
	Args: cobra.NoArgs,
	RunE: runDoctorCmd,
}

var doctorTimeout time.Duration

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", defaultProbeTimeout, "time limit for the worker probe")
}

func runDoctorCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	mode, err := deploymentMode(cfg)
	if err != nil {
		return err
	}

	d := &doctor{
		out:     cmd.OutOrStdout(),
		exec:    exec.New(),
		timeout: doctorTimeout,
		keys:    func() (keychain.Keychain, error) { return openKeychain(cfg) },
	}
	return d.run(cmd.Context(), cfg, mode)
}

// doctor runs environment checks and prints one line per check.
type doctor struct {
	out     io.Writer
	exec    exec.Executor
	timeout time.Duration
	keys    func() (keychain.Keychain, error)

	failed bool
}

func (d *doctor) run(ctx context.Context, cfg *config.Config, mode sidecar.DeploymentMode) error {
	d.info("mode", mode.Name())

	exe, err := mode.Resolve()
	if err != nil {
		d.fail("resolve", err)
		if p, ok := mode.(*sidecar.Packaged); ok {
			for _, c := range p.Candidates() {
				d.info("searched", c)
			}
		}
	} else {
		d.ok("resolve", exe.Path)
		d.checkWorker(ctx, exe)
	}

	d.checkSettings(cfg)
	d.checkAPIKey()

	if d.failed {
		return errDoctorFailed
	}
	return nil
}

func (d *doctor) checkWorker(ctx context.Context, exe *sidecar.Executable) {
	if example, err := sidecar.Build(sidecar.RunRequest{Inputs: []string{"<input.pdf>"}}, exe); err == nil {
		d.info("command", example.String())
	}

	if !filepath.IsAbs(exe.Path) {
		path, err := d.exec.LookPath(exe.Path)
		if err != nil {
			d.fail("lookup", err)
			return
		}
		d.ok("lookup", path)
	}

	probe := &sidecar.Command{
		Path: exe.Path,
		Args: append(slices.Clone(exe.BaseArgs), "--help"),
		Dir:  exe.Dir,
		Env:  exe.Env,
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.exec.Run(probeCtx, &exec.RunOptions{
		Name: probe.Path,
		Args: probe.Args,
		Dir:  probe.Dir,
		Env:  probe.Environ(),
	})
	if err != nil {
		detail := err.Error()
		if result != nil {
			if msg := firstLine(string(result.Stderr)); msg != "" {
				detail += ": " + msg
			}
		}
		d.fail("probe", errors.New(detail))
		return
	}
	d.ok("probe", firstLine(string(result.Stdout)))
}

func (d *doctor) checkSettings(cfg *config.Config) {
	s, err := settingsStore(cfg).Load()
	if err != nil {
		d.fail("settings", err)
		return
	}
	if err := s.Validate(); err != nil {
		d.fail("settings", err)
		return
	}
	d.ok("settings", fmt.Sprintf("%s (model %s)", cfg.Storage.Settings, s.ModelName))
}

func (d *doctor) checkAPIKey() {
	kc, err := d.keys()
	if err != nil {
		d.fail("api key", err)
		return
	}
	ok, err := kc.Configured()
	switch {
	case err != nil:
		d.fail("api key", err)
	case ok:
		d.ok("api key", "configured")
	default:
		// Mock runs work without a key.
		d.info("api key", "not configured (run 'examparse auth')")
	}
}

func (d *doctor) ok(check, detail string) {
	fmt.Fprintf(d.out, "[ok]   %-8s %s\n", check, detail)
}

func (d *doctor) info(check, detail string) {
	fmt.Fprintf(d.out, "[--]   %-8s %s\n", check, detail)
}

func (d *doctor) fail(check string, err error) {
	d.failed = true
	fmt.Fprintf(d.out, "[fail] %-8s %v\n", check, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
