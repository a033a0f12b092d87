package worker

import (
	"fmt"
	"io"
	"os/exec"
)

// Transport is the byte-level connection to a worker process: a writable
// stdin, a readable stdout/stderr, and process lifetime control. The exec
// implementation below is the production one; tests substitute an in-process
// pipe transport to script worker behavior.
type Transport interface {
	// Start launches the worker. Stdin/Stdout/Stderr are valid after Start
	// returns nil.
	Start() error
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the worker exits and returns its exit error, if any.
	Wait() error
	// Kill terminates the worker immediately.
	Kill() error
}

type execTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// NewCommandTransport builds a transport that runs the worker as a child
// process.
func NewCommandTransport(command string, args ...string) Transport {
	return &execTransport{cmd: exec.Command(command, args...)}
}

func (t *execTransport) Start() error {
	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", t.cmd.Path, err)
	}
	return nil
}

func (t *execTransport) Stdin() io.Writer  { return t.stdin }
func (t *execTransport) Stdout() io.Reader { return t.stdout }
func (t *execTransport) Stderr() io.Reader { return t.stderr }

func (t *execTransport) Wait() error {
	return t.cmd.Wait()
}

func (t *execTransport) Kill() error {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
