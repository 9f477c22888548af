// Package report renders execution results for people and for conversation
// transcripts. Every function here is a pure transform: identical input
// gives byte-identical output.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"code-runner-sandbox/internal/registry"
	"code-runner-sandbox/internal/sandbox"
)

// Stage tells a reader how far an execution got.
type Stage string

const (
	StageNeverRan    Stage = "never ran"
	StageSavedNotRun Stage = "saved but not executed"
	StageExecuted    Stage = "executed"
	StageFailed      Stage = "executed but failed"
)

// Report is the structured form of an ExecutionResult.
type Report struct {
	ExecID      string         `json:"exec_id"`
	Status      sandbox.Status `json:"status"`
	StatusLabel string         `json:"status_label"`
	Title       string         `json:"title"`
	Stage       Stage          `json:"stage"`
	File        string         `json:"file_name"`
	Language    string         `json:"language"`
	Seconds     float64        `json:"duration_seconds"`
	HasExitCode bool           `json:"has_exit_code"`
	ExitCode    int            `json:"exit_code"`
	Output      string         `json:"output,omitempty"`
	Diagnostic  string         `json:"diagnostic,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Partial     bool           `json:"partial,omitempty"`
	Killed      bool           `json:"killed,omitempty"`
	OutputFile  string         `json:"output_file,omitempty"`
	ErrorFile   string         `json:"error_file,omitempty"`
	// Files optionally lists workspace files shown under a successful run.
	Files []string `json:"files,omitempty"`
}

// Build converts res into a Report. Duration is rounded to centiseconds so
// the rendered text does not depend on sub-millisecond jitter.
func Build(res *sandbox.ExecutionResult) Report {
	r := Report{
		ExecID:      res.ExecID,
		Status:      res.Status,
		StatusLabel: res.Status.Label(),
		File:        res.Filename,
		Language:    res.Language,
		Seconds:     float64(res.Duration.Round(10*time.Millisecond)) / float64(time.Second),
		HasExitCode: res.HasExitCode(),
		ExitCode:    res.ExitCode,
		Signature:   res.Signature,
		Partial:     res.Partial,
		Killed:      res.Killed,
		OutputFile:  res.OutputFile,
		ErrorFile:   res.ErrorFile,
	}

	switch res.Status {
	case sandbox.StatusSuccess:
		r.Title = "Code Execution Successful"
		r.Stage = StageExecuted
		r.Output = res.Output
	case sandbox.StatusTimeout:
		r.Title = "Code Execution Timed Out"
		r.Stage = StageFailed
		r.Output = res.Output
		r.Diagnostic = res.Error()
	case sandbox.StatusLaunchError:
		r.Title = "Code Execution Failed"
		r.Stage = StageNeverRan
		if res.ArtifactSaved {
			r.Stage = StageSavedNotRun
		}
		r.Diagnostic = res.Error()
	default:
		r.Title = "Code Execution Failed"
		r.Stage = StageFailed
		r.Output = res.Output
		r.Diagnostic = failureText(res)
	}
	return r
}

// failureText is what the program reported about itself: stderr first,
// then the output when it carried the exception.
func failureText(res *sandbox.ExecutionResult) string {
	var parts []string
	if s := strings.TrimRight(res.Stderr, "\n"); s != "" {
		parts = append(parts, s)
	}
	if res.DetectedException && res.Stderr == "" {
		parts = append(parts, strings.TrimRight(res.Output, "\n"))
	}
	if len(parts) == 0 {
		parts = append(parts, res.Error())
	}
	return strings.Join(parts, "\n")
}

// Markdown renders the report the way it is fed back into a conversation.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", r.Title)
	fmt.Fprintf(&b, "**File:** `%s`\n\n", r.File)
	if r.Language != "" {
		fmt.Fprintf(&b, "**Language:** %s\n\n", r.Language)
	}
	fmt.Fprintf(&b, "**Status:** %s\n\n", r.StatusLabel)
	if r.Status == sandbox.StatusLaunchError {
		fmt.Fprintf(&b, "**Stage:** %s\n\n", r.Stage)
	}
	if r.HasExitCode {
		fmt.Fprintf(&b, "**Exit Code:** %d\n\n", r.ExitCode)
	}
	if r.Stage != StageNeverRan && r.Stage != StageSavedNotRun {
		fmt.Fprintf(&b, "**Execution Time:** %.2f seconds\n\n", r.Seconds)
	}

	switch r.Status {
	case sandbox.StatusSuccess:
		writeBlock(&b, "Output", r.Output)
		if len(r.Files) > 0 {
			b.WriteString("### Workspace Files:\n")
			for _, f := range r.Files {
				fmt.Fprintf(&b, "- %s\n", f)
			}
			b.WriteString("\n")
		}
	default:
		if r.Killed {
			b.WriteString("The execution was killed on request.\n\n")
		}
		switch {
		case r.Output == "":
		case r.Partial:
			writeBlock(&b, "Partial Output", r.Output)
		case r.Diagnostic != strings.TrimRight(r.Output, "\n"):
			writeBlock(&b, "Output", r.Output)
		}
		writeBlock(&b, "Error", r.Diagnostic)
		if r.ErrorFile != "" {
			fmt.Fprintf(&b, "The error has been saved to `%s` in the workspace output folder.\n", r.ErrorFile)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// writeBlock fences body with more backticks than it contains so embedded
// fences cannot end the block early.
func writeBlock(b *strings.Builder, heading, body string) {
	fence := "```"
	for strings.Contains(body, fence) {
		fence += "`"
	}
	fmt.Fprintf(b, "### %s:\n\n%s\n%s\n%s\n\n", heading, fence, strings.TrimRight(body, "\n"), fence)
}

// SnippetPreview bounds the code shown per running execution.
const SnippetPreview = 100

// FormatRunning lists running executions for a session, or all sessions
// when session is empty. Elapsed time is measured against now.
func FormatRunning(entries []registry.Entry, session string, now time.Time) string {
	if len(entries) == 0 {
		if session != "" {
			return fmt.Sprintf("No code is currently running for session '%s'.", session)
		}
		return "No code is currently running."
	}

	var b strings.Builder
	b.WriteString("Currently running code:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- ID: %s\n", e.ContainerName)
		fmt.Fprintf(&b, "  Language: %s\n", e.Language)
		if e.Filename != "" {
			fmt.Fprintf(&b, "  File: %s\n", e.Filename)
		}
		if e.Session != "" {
			fmt.Fprintf(&b, "  Session: %s\n", e.Session)
		}
		fmt.Fprintf(&b, "  Running for: %.2f seconds\n", now.Sub(e.StartedAt).Seconds())
		fmt.Fprintf(&b, "  Code snippet: %s\n\n", preview(e.Snippet))
	}
	return b.String()
}

func preview(code string) string {
	r := []rune(code)
	if len(r) <= SnippetPreview {
		return code
	}
	return string(r[:SnippetPreview]) + "..."
}

// FormatKill renders the outcome of a kill request.
func FormatKill(id string, err error) string {
	switch {
	case err == nil:
		return fmt.Sprintf("Successfully killed code execution '%s'", id)
	case errors.Is(err, registry.ErrInvalidID):
		return fmt.Sprintf("Error: '%s' is not a valid code runner container ID", id)
	case errors.Is(err, registry.ErrNotRunning):
		return fmt.Sprintf("Error: No running container with ID '%s' found", id)
	default:
		return fmt.Sprintf("Error killing container: %v", err)
	}
}
