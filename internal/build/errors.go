package build

import (
	"errors"
	"fmt"
)

var (
	ErrMissingProjectID = errors.New("missing project id")
	ErrAlreadyActive    = errors.New("already active")
)

// LaunchError is returned when the build command could not be started.
type LaunchError struct {
	Dir string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch in %s: %v", e.Dir, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError is returned when the build command exits with a non-zero code
// and the orchestrator requires a zero exit.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code is %d", e.ExitCode)
}
