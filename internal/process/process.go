// Package process owns the spawned game server: its command line, its stdio
// pipes and the signals used to end it.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ErrNotRunning is returned by WriteLine after the child has exited.
var ErrNotRunning = errors.New("process not running")

// Process is a started child. stdout and stderr must be fully read before
// Wait is called.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu     sync.Mutex
	exited bool
}

// Start launches the child described by spec with the merged environment env.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.BuildCommand()
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	p.WritePIDFile()
	return p, nil
}

func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Stdout() io.Reader { return p.stdout }
func (p *Process) Stderr() io.Reader { return p.stderr }

// WriteLine writes s and a newline to the child's stdin.
func (p *Process) WriteLine(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrNotRunning
	}
	_, err := io.WriteString(p.stdin, s+"\n")
	return err
}

// Terminate asks the process group to exit (SIGTERM).
func (p *Process) Terminate() error {
	if p.PID() == 0 {
		return ErrNotRunning
	}
	return terminateGroup(p.cmd.Process)
}

// Kill forcibly ends the process group.
func (p *Process) Kill() error {
	if p.PID() == 0 {
		return ErrNotRunning
	}
	return killGroup(p.cmd.Process)
}

// Wait blocks until the child exits and returns its exit code. A child ended
// by a signal reports -1.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	_ = p.stdin.Close()
	p.mu.Unlock()
	p.RemovePIDFile()

	code := -1
	if st := p.cmd.ProcessState; st != nil {
		code = st.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// a non-zero exit is reported through the code
		err = nil
	}
	return code, err
}
