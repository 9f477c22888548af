// Package service is the call surface the chat orchestration layer uses:
// save code, run it, list and kill running executions, and report results
// as text that can be fed back into a conversation.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/extract"
	"code-runner-sandbox/internal/monitor"
	"code-runner-sandbox/internal/registry"
	"code-runner-sandbox/internal/report"
	"code-runner-sandbox/internal/runtime"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/storage"
	"code-runner-sandbox/internal/workspace"
)

// Auditor receives one record per finished execution. *storage.AuditWriter
// satisfies it.
type Auditor interface {
	Log(rec storage.Record)
}

// Options carries the optional collaborators. Nil fields are replaced with
// working defaults so a Service is usable with just a runner and a store.
type Options struct {
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
	Scanner   *monitor.Scanner
	Extractor *extract.Extractor
	Audit     Auditor
	// ExecutorAgent is the agent whose own messages get no run suggestion.
	ExecutorAgent string
}

type Service struct {
	runner    *sandbox.Runner
	store     *workspace.Store
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	scanner   *monitor.Scanner
	extractor *extract.Extractor
	audit     Auditor
	executor  string
	now       func() time.Time

	// tagNames gives each message's unnamed blocks a unique tag.
	tagNames bool
}

func New(runner *sandbox.Runner, store *workspace.Store, opts Options) *Service {
	s := &Service{
		runner:    runner,
		store:     store,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		scanner:   opts.Scanner,
		extractor: opts.Extractor,
		audit:     opts.Audit,
		executor:  opts.ExecutorAgent,
		now:       time.Now,
	}
	if s.metrics == nil {
		s.metrics = monitor.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = monitor.NewTracer()
	}
	if s.scanner == nil {
		s.scanner = monitor.NewScanner()
	}
	if s.extractor == nil {
		s.extractor = extract.New()
		s.tagNames = true
	}
	if s.executor == "" {
		s.executor = "codeExecutor"
	}
	return s
}

// Metrics exposes the collectors, for the /metrics endpoint.
func (s *Service) Metrics() *monitor.Metrics { return s.metrics }

// Runner returns the underlying runner.
func (s *Service) Runner() *sandbox.Runner { return s.runner }

// Store returns the workspace store.
func (s *Service) Store() *workspace.Store { return s.store }

// Caller identifies who asked for an execution, for the audit log.
type Caller struct {
	IP         string
	APIKeyHash string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Outcome is a finished execution in both structured and rendered form.
type Outcome struct {
	Report   report.Report            `json:"report"`
	Markdown string                   `json:"markdown"`
	Findings []monitor.Finding        `json:"findings,omitempty"`
	Result   *sandbox.ExecutionResult `json:"-"`
}

// ExecuteCode runs a file already saved in the session's code folder and
// returns the formatted report.
func (s *Service) ExecuteCode(ctx context.Context, fileName, sessionName, language string, timeout time.Duration) string {
	return s.Execute(ctx, sandbox.ExecutionRequest{
		Session:  sessionName,
		Filename: fileName,
		Language: language,
		Timeout:  timeout,
	}).Markdown
}

// Execute runs req and records metrics, a span and an audit record for it.
func (s *Service) Execute(ctx context.Context, req sandbox.ExecutionRequest) Outcome {
	if req.ExecID == "" {
		req.ExecID = sandbox.NewExecID()
	}
	ctx, span := s.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(req.ExecID),
		monitor.AttrSession.String(req.Session),
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrFile.String(req.Filename),
	)

	created := s.now()
	code, codeHash := s.readCode(req)
	findings := s.scanner.ScanCode(code)
	if code != "" {
		s.metrics.CodeSizeBytes.Observe(float64(len(code)))
	}

	s.metrics.ActiveExecutions.Inc()
	res := s.runner.Execute(ctx, req)
	s.metrics.ActiveExecutions.Dec()

	findings = append(findings, s.scanner.ScanOutput(res.Output)...)
	s.metrics.RecordFindings(findings)
	s.metrics.OutputSizeBytes.Observe(float64(len(res.Output) + len(res.Stderr)))
	s.metrics.RecordExecution(res.Language, string(res.Status), res.Duration.Seconds())
	if res.Status != sandbox.StatusSuccess {
		s.metrics.RecordError(errorKind(res))
	}

	rep := report.Build(res)
	if res.Status == sandbox.StatusSuccess {
		rep.Files = s.fileList(res.Session)
	}

	span.SetAttributes(
		monitor.AttrStatus.String(string(res.Status)),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
		monitor.AttrFindings.Int(len(findings)),
	)
	if res.HasExitCode() {
		span.SetAttributes(monitor.AttrExitCode.Int(res.ExitCode))
	}
	monitor.EndSpan(span, res.Err)

	s.logAudit(ctx, res, codeHash, findings, created)

	return Outcome{
		Report:   rep,
		Markdown: rep.Markdown(),
		Findings: findings,
		Result:   res,
	}
}

// RunCode saves code to the session and executes it. Without a file name
// one is generated as script_<id><ext>; a name lacking the language's
// extension gets it appended.
func (s *Service) RunCode(ctx context.Context, session, code, language, fileName string, timeout time.Duration) Outcome {
	execID := sandbox.NewExecID()
	req := sandbox.ExecutionRequest{
		ExecID:   execID,
		Session:  session,
		Language: language,
		Timeout:  timeout,
	}

	rt, err := s.runner.Runtimes().Lookup(language)
	if err != nil {
		// Nothing is saved for a language that cannot run; the runner
		// reports the unsupported language as a launch error.
		req.Filename = fileName
		if req.Filename == "" {
			req.Filename = "script_" + execID
		}
		return s.Execute(ctx, req)
	}
	req.Filename = scriptName(fileName, execID, rt)

	if err := rt.Validate(code); err != nil {
		return s.failBeforeRun(req, false, fmt.Errorf("%w: %v", sandbox.ErrInvalidRequest, err))
	}
	sess, err := s.store.Session(session, true)
	if err != nil {
		return s.failBeforeRun(req, false, err)
	}
	if _, err := s.store.Save(sess, code, req.Filename, workspace.CodeDir); err != nil {
		return s.failBeforeRun(req, false, err)
	}
	return s.Execute(ctx, req)
}

func scriptName(fileName, execID string, rt runtime.Runtime) string {
	ext := rt.FileExtension()
	switch {
	case fileName == "":
		return "script_" + execID + ext
	case len(fileName) < len(ext) || fileName[len(fileName)-len(ext):] != ext:
		return fileName + ext
	default:
		return fileName
	}
}

// failBeforeRun reports a request that never reached the runner.
func (s *Service) failBeforeRun(req sandbox.ExecutionRequest, saved bool, err error) Outcome {
	res := &sandbox.ExecutionResult{
		ExecID:        req.ExecID,
		Session:       workspace.SanitizeName(req.Session),
		Filename:      req.Filename,
		Language:      req.Language,
		Status:        sandbox.StatusLaunchError,
		State:         sandbox.StateLaunchFailed,
		ExitCode:      -1,
		ArtifactSaved: saved,
		StartedAt:     s.now(),
		Err:           &sandbox.ExecutionError{ExecID: req.ExecID, Op: "save", Err: err},
	}
	log.Warn().Err(err).Str("exec_id", req.ExecID).Str("session", req.Session).Msg("execution rejected before launch")
	s.metrics.RecordExecution(res.Language, string(res.Status), 0)
	s.metrics.RecordError(errorKind(res))
	rep := report.Build(res)
	return Outcome{Report: rep, Markdown: rep.Markdown(), Result: res}
}

// ListRunning renders the running executions, optionally for one session.
func (s *Service) ListRunning(sessionFilter string) string {
	filter := ""
	if sessionFilter != "" {
		filter = workspace.SanitizeName(sessionFilter)
	}
	return report.FormatRunning(s.runner.Running(sessionFilter), filter, s.now())
}

// Kill stops a running execution by container name or execution id and
// returns the message shown to the user.
func (s *Service) Kill(ctx context.Context, id string) string {
	msg, _ := s.KillExecution(ctx, id)
	return msg
}

// KillExecution is Kill with the underlying error, for callers that map it
// to a status code.
func (s *Service) KillExecution(ctx context.Context, id string) (string, error) {
	ctx, span := s.tracer.StartSpan(ctx, "kill", monitor.AttrExecID.String(id))
	_, err := s.runner.Kill(ctx, id)
	s.metrics.RecordKill(err)
	monitor.EndSpan(span, err)
	return report.FormatKill(id, err), err
}

// Running returns the registry entries behind ListRunning.
func (s *Service) Running(sessionFilter string) []registry.Entry {
	return s.runner.Running(sessionFilter)
}

// SandboxAvailable reports whether containers can be launched at all.
func (s *Service) SandboxAvailable(ctx context.Context) bool {
	if err := s.runner.Available(ctx); err != nil {
		log.Debug().Err(err).Msg("sandbox unavailable")
		return false
	}
	return true
}

// Prewarm pulls every runtime image and records the results.
func (s *Service) Prewarm(ctx context.Context, parallelism int) error {
	w := sandbox.NewImageWarmer(s.runner, parallelism)
	err := w.Warm(ctx)
	s.metrics.RecordPulls(w.Status())
	return err
}

func (s *Service) readCode(req sandbox.ExecutionRequest) (string, string) {
	if !workspace.ValidFilename(req.Filename) {
		return "", ""
	}
	sess, err := s.store.Session(req.Session, false)
	if err != nil {
		return "", ""
	}
	code, err := s.store.Read(sess, req.Filename, workspace.CodeDir)
	if err != nil {
		return "", ""
	}
	sum := sha256.Sum256([]byte(code))
	return code, hex.EncodeToString(sum[:])
}

func (s *Service) fileList(session string) []string {
	sess, err := s.store.Session(session, false)
	if err != nil {
		return nil
	}
	files, err := s.store.List(sess, "")
	if err != nil {
		log.Warn().Err(err).Str("session", session).Msg("listing workspace files")
		return nil
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.RelPath)
	}
	return out
}

func (s *Service) logAudit(ctx context.Context, res *sandbox.ExecutionResult, codeHash string, findings []monitor.Finding, created time.Time) {
	if s.audit == nil {
		return
	}
	caller := callerFrom(ctx)
	completed := s.now()

	exec := &storage.Execution{
		ID:            res.ExecID,
		Session:       res.Session,
		Filename:      res.Filename,
		Language:      res.Language,
		ContainerName: res.ContainerName,
		CodeHash:      codeHash,
		Status:        string(res.Status),
		Output:        res.Output,
		Diagnostic:    res.Error(),
		Signature:     res.Signature,
		DurationMS:    res.Duration.Milliseconds(),
		Partial:       res.Partial,
		Killed:        res.Killed,
		Findings:      len(findings),
		RequestIP:     caller.IP,
		APIKeyHash:    caller.APIKeyHash,
		CreatedAt:     created,
		CompletedAt:   &completed,
	}
	if res.HasExitCode() {
		code := res.ExitCode
		exec.ExitCode = &code
	}

	recs := make([]storage.FindingRecord, 0, len(findings))
	for _, f := range findings {
		recs = append(recs, storage.FindingRecord{
			ExecutionID: res.ExecID,
			Pattern:     f.Pattern,
			Severity:    f.Severity,
			Source:      string(f.Source),
			Line:        f.Line,
			Detail:      f.Detail,
		})
	}
	s.audit.Log(storage.Record{Execution: exec, Findings: recs})
}

// errorKind buckets a failed result for the error counter.
func errorKind(res *sandbox.ExecutionResult) string {
	err := res.Err
	switch {
	case res.Killed:
		return "killed"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrCanceled):
		return "canceled"
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, sandbox.ErrArtifactMissing):
		return "missing_file"
	case errors.Is(err, sandbox.ErrImagePull):
		return "image_pull"
	case workspace.IsStorageError(err):
		return "storage"
	case sandbox.IsLaunchError(err):
		return "launch"
	case sandbox.IsRuntimeFailure(err):
		return "runtime"
	default:
		return "other"
	}
}
