package scripts

import (
	"errors"
	"strconv"
)

// Sentinel errors for session operations.
var (
	// ErrUnavailable indicates a script process could not be started
	// (file not executable, spawn failure).
	ErrUnavailable = errors.New("scripts: script unavailable")

	// ErrTerminated indicates the session was terminated
	// (process killed or its output stream closed).
	ErrTerminated = errors.New("scripts: session terminated")

	// ErrInitTimeout indicates the startup barrier gave up waiting for a
	// script's schema discovery to complete.
	ErrInitTimeout = errors.New("scripts: init wait timed out")

	// ErrRestarted indicates the spawn being waited on was superseded by a
	// session restart before its schema discovery finished.
	ErrRestarted = errors.New("scripts: session restarted")
)

// ExitError represents a script process that exited with a non-zero status.
// Wraps the underlying error to preserve the error chain — consumers can
// errors.As to *exec.ExitError for OS-level detail (signal info, etc.).
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "scripts: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
