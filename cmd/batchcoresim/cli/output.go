package cli

import (
	"errors"
	"fmt"
)

// Exit codes for batchcoresim subcommands.
const (
	ExitSuccess      = 0
	ExitReplay       = 1 // orchestrator asked for a replay (non-fatal, expected in some scenarios)
	ExitCommandError = 2 // bad flags, unreadable checkpoint file, construction failure
)

// ExitError carries the process exit code a command should terminate
// with, distinguishing "the orchestrator asked for a replay" from "the
// command itself could not run".
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the process exit code from an error returned by a
// subcommand's RunE, defaulting to ExitCommandError for anything not
// wrapped as an ExitError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}
