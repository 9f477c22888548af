package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/extract"
	"code-runner-sandbox/internal/monitor"
	"code-runner-sandbox/internal/runtime"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/workspace"
)

// SavedFile is an extracted block written to the session's code folder.
type SavedFile struct {
	Filename string           `json:"file_name"`
	Language runtime.Language `json:"language"`
	Path     string           `json:"path"`
}

// Message is an agent message after its code blocks were saved.
type Message struct {
	Content    string             `json:"content"`
	Artifacts  []extract.Artifact `json:"code_blocks"`
	Saved      []SavedFile        `json:"saved_files"`
	Suggestion string             `json:"execution_suggestion,omitempty"`
	HasCode    bool               `json:"has_code"`
}

// ProcessMessage extracts fenced code from an agent message, saves every
// block to the session and annotates the message with what was saved. The
// annotation ends with an explicit run request unless the message came from
// the executor agent itself.
func (s *Service) ProcessMessage(ctx context.Context, session, agent, text string) (Message, error) {
	_, span := s.tracer.StartSpan(ctx, "process_message", monitor.AttrSession.String(session))

	msg := Message{Content: text}
	msg.Artifacts = s.messageExtractor().Extract(text)
	msg.HasCode = len(msg.Artifacts) > 0
	if !msg.HasCode {
		monitor.EndSpan(span, nil)
		return msg, nil
	}

	sess, err := s.store.Session(session, true)
	if err != nil {
		monitor.EndSpan(span, err)
		return msg, err
	}
	for _, a := range msg.Artifacts {
		path, err := s.store.Save(sess, a.Content, a.Filename, workspace.CodeDir)
		if err != nil {
			monitor.EndSpan(span, err)
			return msg, fmt.Errorf("saving %s: %w", a.Filename, err)
		}
		s.metrics.ExtractedBlocks.WithLabelValues(string(a.Language)).Inc()
		msg.Saved = append(msg.Saved, SavedFile{Filename: a.Filename, Language: a.Language, Path: path})
	}

	log.Info().
		Str("session", sess.ID).
		Str("agent", agent).
		Int("blocks", len(msg.Saved)).
		Msg("code blocks saved from message")

	msg.Suggestion = s.suggestion(msg.Saved)
	msg.Content = text + s.annotation(msg.Saved, msg.Suggestion, agent)
	monitor.EndSpan(span, nil)
	return msg, nil
}

// messageExtractor returns the extractor for one message. Unnamed blocks get
// a per-message tag so a later message cannot overwrite them.
func (s *Service) messageExtractor() *extract.Extractor {
	if !s.tagNames {
		return s.extractor
	}
	ex := *s.extractor
	ex.NameFunc = extract.TaggedName(sandbox.NewExecID())
	return &ex
}

// runnable filters saved files down to languages with a runtime.
func (s *Service) runnable(saved []SavedFile) []SavedFile {
	var out []SavedFile
	for _, f := range saved {
		if _, err := s.runner.Runtimes().Get(f.Language); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (s *Service) suggestion(saved []SavedFile) string {
	run := s.runnable(saved)
	if len(run) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("**Executable files:**\n")
	for _, f := range run {
		fmt.Fprintf(&b, "- execute_code(file_name=%q, language=%q)\n", f.Filename, f.Language)
	}
	return b.String()
}

func (s *Service) annotation(saved []SavedFile, suggestion, agent string) string {
	var b strings.Builder
	b.WriteString("\n\n---\n**Code blocks saved to workspace:**\n")
	for _, f := range saved {
		fmt.Fprintf(&b, "- `%s` (%s)\n", f.Filename, f.Language)
	}
	if suggestion != "" {
		b.WriteString("\n")
		b.WriteString(suggestion)
	}

	run := s.runnable(saved)
	if agent == s.executor || len(run) == 0 {
		return b.String()
	}
	first := run[0]
	fmt.Fprintf(&b, "\n@%s EXECUTE THIS CODE NOW:\n", s.executor)
	fmt.Fprintf(&b, "```\nexecute_code(file_name=%q, language=%q)\n```\n", first.Filename, first.Language)
	fmt.Fprintf(&b, "This is a direct command to execute the code file `%s` that was just saved to the workspace.\n", first.Filename)
	return b.String()
}
