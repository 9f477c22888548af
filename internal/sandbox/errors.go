package sandbox

import (
	"errors"
	"fmt"

	"code-runner-sandbox/internal/runtime"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLanguage = runtime.ErrUnsupported
	ErrImagePull           = errors.New("runtime image unavailable")
	ErrLaunch              = errors.New("container launch failed")
	ErrTimeout             = errors.New("execution timed out")
	ErrRuntimeFailure      = errors.New("program failed")
	ErrArtifactMissing     = errors.New("code file not found in workspace")
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrCanceled            = errors.New("execution canceled")
	ErrRunnerClosed        = errors.New("runner is shut down")
	ErrSandboxUnavailable  = errors.New("sandbox backend unavailable")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsLaunchError returns true if the sandbox never got the program running:
// bad request, unknown language, missing image, or a container start failure.
func IsLaunchError(err error) bool {
	return errors.Is(err, ErrLaunch) ||
		errors.Is(err, ErrImagePull) ||
		errors.Is(err, ErrUnsupportedLanguage) ||
		errors.Is(err, ErrArtifactMissing) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrRunnerClosed)
}

// IsRuntimeFailure returns true if the program itself failed.
func IsRuntimeFailure(err error) bool {
	return errors.Is(err, ErrRuntimeFailure)
}
