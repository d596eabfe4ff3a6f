package repo

import (
	"errors"
	"fmt"
	"strings"
)

// Phase names a preparation step.
type Phase string

const (
	PhaseAuth     Phase = "auth"
	PhaseClone    Phase = "clone"
	PhaseCheckout Phase = "checkout"
	PhaseInstall  Phase = "install"
)

// CommandError represents a failed external command during preparation.
type CommandError struct {
	// Phase is the step that failed.
	Phase Phase

	// Args is the redacted command line.
	Args []string

	// ExitCode is the command's exit code, or -1 if it never ran.
	ExitCode int

	// Stderr is the redacted tail of the command's stderr.
	Stderr string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Phase, e.ExitCode, s)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s failed with exit code %d", e.Phase, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// AsCommandError attempts to convert an error to a CommandError.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	ok := errors.As(err, &cmdErr)
	return cmdErr, ok
}
