package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Exit causes reported for an abnormal child exit. Match them with errors.Is
// against the error carried by ClosedEvent.
var (
	ErrCommandNotFound  = errors.New("command not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInterrupted      = errors.New("interrupted")
	ErrKilled           = errors.New("killed")
	ErrNonZeroExit      = errors.New("non-zero exit")
)

// ExitError describes why the assistant process ended.
type ExitError struct {
	Code   int
	Signal os.Signal
	Cause  error
	Err    error
}

func (e *ExitError) Error() string {
	switch {
	case e.Signal != nil:
		return fmt.Sprintf("%v (signal %v)", e.Cause, e.Signal)
	case e.Code != 0:
		return fmt.Sprintf("%v (exit code %d)", e.Cause, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Cause, e.Err)
	default:
		return e.Cause.Error()
	}
}

// Unwrap exposes both the cause sentinel and the underlying error.
func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Err}
}

// ClassifyExit maps the error returned by exec.Cmd.Wait (or Start) to an
// ExitError with a human-readable cause. A clean exit yields nil.
func ClassifyExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return &ExitError{Code: 127, Cause: ErrCommandNotFound, Err: err}
		case errors.Is(err, os.ErrPermission):
			return &ExitError{Code: 126, Cause: ErrPermissionDenied, Err: err}
		}
		return &ExitError{Cause: ErrNonZeroExit, Err: err}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		cause := ErrInterrupted
		if sig == syscall.SIGKILL {
			cause = ErrKilled
		}
		return &ExitError{Code: -1, Signal: sig, Cause: cause}
	}

	code := exitErr.ExitCode()
	switch code {
	case 127:
		return &ExitError{Code: code, Cause: ErrCommandNotFound}
	case 126:
		return &ExitError{Code: code, Cause: ErrPermissionDenied}
	case 130:
		return &ExitError{Code: code, Cause: ErrInterrupted}
	case 137:
		return &ExitError{Code: code, Cause: ErrKilled}
	}
	return &ExitError{Code: code, Cause: ErrNonZeroExit}
}
