package sandbox

import (
	"errors"
	"time"
)

// State is a step in the life of one execution.
type State string

const (
	StateQueued       State = "queued"
	StateLaunching    State = "launching"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateLaunchFailed State = "launch_failed"
	StateReaped       State = "reaped"
)

// Status is the outcome reported to callers.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusTimeout     Status = "timeout"
	StatusLaunchError Status = "launch_error"
)

// Label is the human readable form used in reports.
func (s Status) Label() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusTimeout:
		return "TimedOut"
	case StatusLaunchError:
		return "LaunchError"
	}
	return string(s)
}

// ExecutionRequest asks the runner to execute a file already saved in a
// session's code folder.
type ExecutionRequest struct {
	ExecID   string        `json:"exec_id,omitempty"` // generated when empty
	Session  string        `json:"session"`
	Filename string        `json:"file_name"`
	Language string        `json:"language"`
	Timeout  time.Duration `json:"timeout"`
	// Direct names the container direct_execution_<id> instead of
	// <prefix>_<language>_<id>.
	Direct bool `json:"direct,omitempty"`
}

// ExecutionResult is produced exactly once per request.
type ExecutionResult struct {
	ExecID        string        `json:"exec_id"`
	ContainerName string        `json:"container_name,omitempty"`
	Session       string        `json:"session"`
	Filename      string        `json:"file_name"`
	Language      string        `json:"language"`
	Status        Status        `json:"status"`
	State         State         `json:"state"`
	ExitCode      int           `json:"exit_code"`
	Output        string        `json:"output"`
	Stderr        string        `json:"stderr,omitempty"`
	Duration      time.Duration `json:"duration"`
	StartedAt     time.Time     `json:"started_at"`

	// DetectedException is set when the output matched a runtime exception
	// signature; Signature holds the matched marker.
	DetectedException bool   `json:"detected_exception"`
	Signature         string `json:"signature,omitempty"`

	// Partial marks output captured from a run that was forcibly stopped.
	Partial bool `json:"partial,omitempty"`
	// Killed is set when the execution was stopped through the registry.
	Killed bool `json:"killed,omitempty"`
	// ArtifactSaved reports whether the code file existed in the workspace.
	ArtifactSaved bool `json:"artifact_saved"`

	OutputFile string `json:"output_file,omitempty"`
	ErrorFile  string `json:"error_file,omitempty"`

	Err error `json:"-"`
}

// HasExitCode reports whether ExitCode carries meaning. A run canceled by
// its caller never produced one.
func (r *ExecutionResult) HasExitCode() bool {
	if errors.Is(r.Err, ErrCanceled) {
		return false
	}
	return r.Status == StatusSuccess || r.Status == StatusFailure
}

// Error returns the error message, or "" on success.
func (r *ExecutionResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
