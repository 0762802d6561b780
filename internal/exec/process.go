package exec

import (
	"io"
	"os/exec"
	"sync"
)

// Process is one running child. Its stdout must have a single reader, and
// Wait may only be called once that reader has seen end-of-stream.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stdout returns the read end of the child's standard output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Wait reaps the child and releases the pipes. It is safe to call more than
// once; later calls return the first result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// ExitCode returns the exit code after Wait, or -1 if unavailable.
func (p *Process) ExitCode() int {
	return p.cmd.ProcessState.ExitCode()
}
