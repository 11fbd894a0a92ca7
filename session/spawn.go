//go:build !windows

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/KerJoe/ksystemstats-scripts"
)

// Proc is one running script process: a writer for its input stream, a
// reader for its output stream, and lifecycle primitives. The session's read
// pump is the only caller of Wait.
//
// Proc is an interface so tests can substitute an in-process fake for the
// exec-backed implementation.
type Proc interface {
	io.Writer

	// Stdout returns the process's output stream.
	Stdout() io.Reader

	// CloseInput closes the input stream, signalling EOF to the script.
	CloseInput() error

	// Signal sends sig to the process. Returns nil if it already exited.
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait blocks until the process exits and reaps it.
	Wait() error

	// Done is closed once Wait has returned.
	Done() <-chan struct{}
}

// Spawner starts the executable at path and returns a handle for it.
// Sessions use [Spawn] by default; tests inject fakes via WithSpawner.
type Spawner func(path string) (Proc, error)

// Spawn starts the script at path with no arguments, its working directory
// set to the directory containing it, with stdin and stdout pipes attached.
func Spawn(path string) (Proc, error) {
	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", scripts.ErrUnavailable, path, err)
	}

	return &execProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}, nil
}

// execProc adapts an exec.Cmd to Proc.
type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func (p *execProc) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *execProc) Stdout() io.Reader           { return p.stdout }
func (p *execProc) CloseInput() error           { return p.stdin.Close() }

func (p *execProc) Signal(sig os.Signal) error {
	return signalProcess(p.cmd.Process, sig)
}

func (p *execProc) Kill() error {
	return signalProcess(p.cmd.Process, os.Kill)
}

func (p *execProc) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = wrapExitError(p.cmd.Wait())
		close(p.done)
	})
	return p.waitErr
}

func (p *execProc) Done() <-chan struct{} { return p.done }

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// terminate closes the process's input, sends SIGTERM, and kills it after
// the grace period if it has not exited. Reaping is left to the read pump's
// Wait call.
func terminate(p Proc, grace time.Duration) {
	_ = p.CloseInput() // Best-effort: pipe may already be closed.
	_ = p.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-p.Done():
		case <-time.After(grace):
			_ = p.Kill()
		}
	}()
}

// wrapExitError converts a non-zero *exec.ExitError to *scripts.ExitError.
// nil → nil, non-ExitError → passthrough, code 0 → nil (clean exit).
// Preserves the error chain via ExitError.Unwrap.
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == 0 {
		return nil
	}
	return &scripts.ExitError{Code: code, Err: err}
}
