package api

import (
	"time"

	"code-runner-sandbox/internal/workspace"
)

// ExecuteRequest runs a file already saved in the session's code folder.
type ExecuteRequest struct {
	FileName string   `json:"file_name"`
	Language string   `json:"language"`
	Timeout  Duration `json:"timeout,omitempty"`
	// Direct names the container direct_execution_<id>.
	Direct bool `json:"direct,omitempty"`
}

// RunRequest saves code to the session and runs it.
type RunRequest struct {
	Code     string   `json:"code"`
	Language string   `json:"language"`
	FileName string   `json:"file_name,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// MessageRequest submits an agent message for code extraction.
type MessageRequest struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// SaveFileRequest writes a file into a session folder.
type SaveFileRequest struct {
	Content string `json:"content"`
}

// Duration wraps time.Duration for JSON as a string like "10s". A bare
// number is read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	} else if s != "" && s != "null" {
		s += "s"
	}
	if s == "null" || s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SessionResponse describes a session workspace.
type SessionResponse struct {
	Session string         `json:"session"`
	Info    workspace.Info `json:"info"`
}

// FilesResponse lists workspace files.
type FilesResponse struct {
	Session string               `json:"session"`
	Folder  string               `json:"folder,omitempty"`
	Files   []workspace.FileInfo `json:"files"`
}

// FileResponse is the content of one workspace file.
type FileResponse struct {
	Session string `json:"session"`
	Folder  string `json:"folder"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
}

// RunningEntry is one execution in flight.
type RunningEntry struct {
	ID        string    `json:"id"`
	ExecID    string    `json:"exec_id"`
	Session   string    `json:"session"`
	Language  string    `json:"language"`
	FileName  string    `json:"file_name"`
	StartedAt time.Time `json:"started_at"`
	Seconds   float64   `json:"running_seconds"`
	Snippet   string    `json:"code_snippet"`
}

// RunningResponse lists executions in flight with the rendered text.
type RunningResponse struct {
	Executions []RunningEntry `json:"executions"`
	Text       string         `json:"text"`
}

// KillResponse reports a kill request.
type KillResponse struct {
	ID      string `json:"id"`
	Killed  bool   `json:"killed"`
	Message string `json:"message"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Sandbox  bool   `json:"sandbox"`
	Database bool   `json:"database"`
	Running  int    `json:"running"`
	Uptime   string `json:"uptime"`
}
