package storage

import "time"

// Execution is one audited sandbox run.
type Execution struct {
	ID            string     `json:"id" db:"id"` // execution id, 8 hex characters
	Session       string     `json:"session" db:"session"`
	Filename      string     `json:"file_name" db:"file_name"`
	Language      string     `json:"language" db:"language"`
	ContainerName string     `json:"container_name" db:"container_name"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Status        string     `json:"status" db:"status"` // success, failure, timeout, launch_error
	ExitCode      *int       `json:"exit_code,omitempty" db:"exit_code"`
	Output        string     `json:"output" db:"output"`
	Diagnostic    string     `json:"diagnostic" db:"diagnostic"`
	Signature     string     `json:"signature,omitempty" db:"signature"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	Partial       bool       `json:"partial" db:"partial"`
	Killed        bool       `json:"killed" db:"killed"`
	Findings      int        `json:"findings" db:"findings"`
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	APIKeyHash    string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// FindingRecord stores one suspicious pattern seen in submitted code or its
// output.
type FindingRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Pattern     string    `json:"pattern" db:"pattern"`
	Severity    string    `json:"severity" db:"severity"`
	Source      string    `json:"source" db:"source"` // code or output
	Line        int       `json:"line" db:"line"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Session  string
	Language string
	Status   string
	Limit    int
	Offset   int
}
