package tabulator

import (
	"errors"
	"fmt"
)

var (
	// ErrOperatorRequired is returned when no operator name is given
	ErrOperatorRequired = errors.New("operator name is required")

	// ErrProcessing is matched by *ProcessingError
	ErrProcessing = errors.New("tabulation failed")
)

// ProcessingError reports an engine failure or a missing result artifact.
// The session's upload state is unaffected.
type ProcessingError struct {
	Session string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("failed to tabulate contest %s: %v", e.Session, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProcessing.
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessing
}

// CommandError describes an engine command that exited unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d: %v", e.Command, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
