package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"code-runner-sandbox/internal/classify"
	"code-runner-sandbox/internal/registry"
	"code-runner-sandbox/internal/runtime"
	"code-runner-sandbox/internal/workspace"
)

// Paths inside the container.
const (
	containerCodeDir   = "/code"
	containerOutputDir = "/output"
)

// Options tunes a Runner. Zero values fall back to the defaults below.
type Options struct {
	ContainerPrefix string        // "code_runner"
	DefaultTimeout  time.Duration // 10s
	MaxTimeout      time.Duration // 60s
	PullTimeout     time.Duration // 60s
	MaxConcurrent   int           // 32
	Limits          ResourceLimits
	User            string // "65534:65534"
	OutputLimit     int    // bytes kept per stream, 1MB
	Classifier      classify.Classifier
	Runtimes        *runtime.Registry
}

func (o *Options) setDefaults() {
	if o.ContainerPrefix == "" {
		o.ContainerPrefix = "code_runner"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 60 * time.Second
	}
	if o.MaxTimeout < o.DefaultTimeout {
		o.MaxTimeout = o.DefaultTimeout
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = 60 * time.Second
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 32
	}
	if o.Limits == (ResourceLimits{}) {
		o.Limits = DefaultLimits()
	}
	if o.User == "" {
		o.User = "65534:65534"
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = 1 << 20
	}
	if o.Classifier == nil {
		o.Classifier = classify.New()
	}
	if o.Runtimes == nil {
		o.Runtimes = runtime.NewRegistry()
	}
}

// Runner executes saved code files in sandbox containers, one container per
// execution.
type Runner struct {
	launcher Launcher
	store    *workspace.Store
	registry *registry.Registry
	opts     Options

	pulls  singleflight.Group
	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner wires a runner. reg may be nil, in which case a registry
// accepting this runner's container prefixes is created.
func NewRunner(launcher Launcher, store *workspace.Store, reg *registry.Registry, opts Options) *Runner {
	opts.setDefaults()
	if reg == nil {
		reg = registry.New(opts.ContainerPrefix, DirectPrefix)
	}
	return &Runner{
		launcher: launcher,
		store:    store,
		registry: reg,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Registry exposes the running-execution registry.
func (r *Runner) Registry() *registry.Registry { return r.registry }

// Runtimes exposes the language table.
func (r *Runner) Runtimes() *runtime.Registry { return r.opts.Runtimes }

// Launcher returns the backend in use.
func (r *Runner) Launcher() Launcher { return r.launcher }

// Execute runs req to completion and always returns a result. Failures are
// reported through Status and Err, never by a nil result.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (res *ExecutionResult) {
	execID := req.ExecID
	if execID == "" {
		execID = NewExecID()
	}
	res = &ExecutionResult{
		ExecID:    execID,
		Session:   req.Session,
		Filename:  req.Filename,
		Language:  req.Language,
		State:     StateQueued,
		ExitCode:  -1,
		StartedAt: time.Now(),
	}

	logger := log.With().
		Str("exec_id", execID).
		Str("session", req.Session).
		Str("file", req.Filename).
		Str("language", req.Language).
		Logger()

	// Registered first so it runs after every cleanup defer below.
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("execution panicked")
			res.Status = StatusLaunchError
			res.State = StateReaped
			res.Err = &ExecutionError{ExecID: execID, Op: "run", Err: fmt.Errorf("%w: internal error: %v", ErrLaunch, p)}
		}
	}()

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if closed {
		return r.launchFailed(res, logger, "closed", ErrRunnerClosed)
	}
	defer r.wg.Done()

	sess, err := r.store.Session(req.Session, true)
	if err != nil {
		return r.launchFailed(res, logger, "session", err)
	}
	res.Session = sess.ID
	if !workspace.ValidFilename(req.Filename) {
		return r.launchFailed(res, logger, "validate", fmt.Errorf("%w: file name %q", ErrInvalidRequest, req.Filename))
	}
	res.ArtifactSaved = r.store.Exists(sess, req.Filename, workspace.CodeDir)

	rt, err := r.opts.Runtimes.Lookup(req.Language)
	if err != nil {
		return r.finishError(res, sess, logger, "resolve_language", err)
	}
	res.Language = string(rt.Language())

	code, err := r.store.Read(sess, req.Filename, workspace.CodeDir)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			err = fmt.Errorf("%w: %s/%s", ErrArtifactMissing, workspace.CodeDir, req.Filename)
		}
		return r.finishError(res, sess, logger, "read_code", err)
	}

	timeout := r.clampTimeout(req.Timeout)

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return r.finishError(res, sess, logger, "acquire_slot", fmt.Errorf("%w: %v", ErrCanceled, ctx.Err()))
	}
	r.active.Add(1)
	defer r.active.Add(-1)

	r.transition(res, logger, StateLaunching)
	if err := r.ensureImage(ctx, rt.Image()); err != nil {
		return r.finishError(res, sess, logger, "pull_image", err)
	}

	name := ContainerName(r.opts.ContainerPrefix, string(rt.Language()), execID)
	if req.Direct {
		name = DirectContainerName(execID)
	}
	res.ContainerName = name

	outDir := sess.Dir(workspace.OutputDir)
	staging := filepath.Join(outDir, ".run_"+execID)
	if err := makeStaging(staging); err != nil {
		return r.finishError(res, sess, logger, "staging", &workspace.StorageError{Op: "mkdir", Path: staging, Err: err})
	}

	if err := r.registry.Register(registry.Entry{
		ExecID:        execID,
		ContainerName: name,
		Session:       sess.ID,
		Language:      res.Language,
		Filename:      req.Filename,
		StartedAt:     res.StartedAt,
		Snippet:       code,
	}); err != nil {
		_ = os.RemoveAll(staging)
		return r.finishError(res, sess, logger, "register", fmt.Errorf("%w: %v", ErrLaunch, err))
	}

	defer r.reap(res, logger, name, staging, outDir)

	spec := ContainerSpec{
		Name:    name,
		Image:   rt.Image(),
		Command: wrapCommand(rt.Command(containerCodeDir+"/"+req.Filename), containerOutputDir+"/"+ResultFileName(execID)),
		Env:     rt.Env(),
		WorkDir: containerCodeDir,
		Mounts: []Mount{
			{Source: sess.Dir(workspace.CodeDir), Target: containerCodeDir, ReadOnly: true},
			{Source: staging, Target: containerOutputDir},
		},
		Limits: r.opts.Limits,
		User:   r.opts.User,
		Labels: map[string]string{
			ManagedLabel:           "true",
			"code-runner.session":  sess.ID,
			"code-runner.exec-id":  execID,
			"code-runner.language": res.Language,
		},
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	r.transition(res, logger, StateRunning)
	start := time.Now()
	exitCode, runErr := r.launcher.Run(execCtx, spec, &stdout, &stderr)
	res.Duration = time.Since(start)
	res.Killed = r.killed(name)

	moveStaged(staging, outDir, logger)
	res.Output, res.OutputFile = r.collectOutput(outDir, execID, stdout.String())
	res.Stderr = truncateOutput(stderr.String(), r.opts.OutputLimit)

	switch {
	case runErr != nil && ctx.Err() != nil:
		r.stop(name, logger)
		res.Status = StatusFailure
		res.Partial = true
		r.transition(res, logger, StateCompleted)
		res.Err = &ExecutionError{ExecID: execID, Op: "run", Err: fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())}

	case runErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		r.stop(name, logger)
		res.Status = StatusTimeout
		res.Partial = true
		r.transition(res, logger, StateTimedOut)
		res.Err = &ExecutionError{ExecID: execID, Op: "run", Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}

	case runErr != nil:
		res.Status = StatusLaunchError
		r.transition(res, logger, StateLaunchFailed)
		res.Err = &ExecutionError{ExecID: execID, Op: "launch", Err: fmt.Errorf("%w: %v", ErrLaunch, runErr)}

	default:
		res.ExitCode = exitCode
		r.transition(res, logger, StateCompleted)
		r.classify(res, rt.Language())
	}

	if res.Status != StatusSuccess {
		r.writeErrorFile(res, sess, logger)
	}

	logger.Info().
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Bool("killed", res.Killed).
		Msg("execution finished")
	return res
}

// classify sets Success or Failure for a run that exited on its own. An
// exception signature in the output fails the run even with exit code 0.
func (r *Runner) classify(res *ExecutionResult, lang runtime.Language) {
	text := res.Output
	if res.Stderr != "" {
		text += "\n" + res.Stderr
	}
	if m, ok := r.opts.Classifier.Classify(lang, text); ok {
		res.DetectedException = true
		res.Signature = m.Signature.Marker
	}

	switch {
	case res.Killed:
		res.Status = StatusFailure
		res.Partial = true
		res.Err = &ExecutionError{ExecID: res.ExecID, Op: "run", Err: fmt.Errorf("%w: killed on request", ErrRuntimeFailure)}
	case res.ExitCode == 0 && !res.DetectedException:
		res.Status = StatusSuccess
	case res.ExitCode == 0:
		res.Status = StatusFailure
		res.Err = &ExecutionError{ExecID: res.ExecID, Op: "run", Err: fmt.Errorf("%w: output reports %q", ErrRuntimeFailure, res.Signature)}
	default:
		res.Status = StatusFailure
		res.Err = &ExecutionError{ExecID: res.ExecID, Op: "run", Err: fmt.Errorf("%w: exit code %d", ErrRuntimeFailure, res.ExitCode)}
	}
}

func (r *Runner) transition(res *ExecutionResult, logger zerolog.Logger, state State) {
	logger.Debug().Str("from", string(res.State)).Str("to", string(state)).Msg("execution state")
	res.State = state
}

// launchFailed reports a failure that happened before a session was known,
// so no error file can be written.
func (r *Runner) launchFailed(res *ExecutionResult, logger zerolog.Logger, op string, err error) *ExecutionResult {
	res.Status = StatusLaunchError
	res.Err = &ExecutionError{ExecID: res.ExecID, Op: op, Err: err}
	r.transition(res, logger, StateLaunchFailed)
	logger.Warn().Err(err).Str("op", op).Msg("execution not started")
	return res
}

func (r *Runner) finishError(res *ExecutionResult, sess *workspace.Session, logger zerolog.Logger, op string, err error) *ExecutionResult {
	r.launchFailed(res, logger, op, err)
	r.writeErrorFile(res, sess, logger)
	return res
}

func (r *Runner) writeErrorFile(res *ExecutionResult, sess *workspace.Session, logger zerolog.Logger) {
	name := ErrorFileName(res.ExecID)
	if _, err := r.store.Save(sess, diagnostic(res), name, workspace.OutputDir); err != nil {
		logger.Error().Err(err).Msg("writing error file failed")
		return
	}
	res.ErrorFile = name
}

// diagnostic is the body of error_<id>.txt.
func diagnostic(res *ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", res.Status.Label())
	fmt.Fprintf(&b, "file: %s\nlanguage: %s\n", res.Filename, res.Language)
	if res.HasExitCode() {
		fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	}
	if res.Err != nil {
		fmt.Fprintf(&b, "error: %s\n", res.Err)
	}
	if res.Signature != "" {
		fmt.Fprintf(&b, "detected: %s\n", res.Signature)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if res.Output != "" {
		b.WriteString("\noutput:\n")
		b.WriteString(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// collectOutput prefers result_<id>.txt and falls back to captured stdout
// when the container could not write it.
func (r *Runner) collectOutput(outDir, execID, stdout string) (string, string) {
	name := ResultFileName(execID)
	data, err := os.ReadFile(filepath.Join(outDir, name)) // #nosec G304 -- name built from exec id
	if err != nil {
		return truncateOutput(stdout, r.opts.OutputLimit), ""
	}
	return truncateOutput(string(data), r.opts.OutputLimit), name
}

// stop force-stops a container whose client gave up waiting. docker run does
// not stop the container when the CLI process is killed.
func (r *Runner) stop(name string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.launcher.Kill(ctx, name); err != nil {
		logger.Debug().Err(err).Msg("kill after deadline")
	}
}

// killed waits briefly for an in-flight Kill of name to settle.
func (r *Runner) killed(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.registry.Killed(ctx, name)
}

// reap runs on every path once a container may exist.
func (r *Runner) reap(res *ExecutionResult, logger zerolog.Logger, name, staging, outDir string) {
	r.registry.Deregister(name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.launcher.Remove(ctx, name); err != nil {
		logger.Error().Err(err).Msg("container removal failed")
	}

	moveStaged(staging, outDir, logger)
	if err := os.RemoveAll(staging); err != nil {
		logger.Warn().Err(err).Msg("removing staging dir failed")
	}
	r.transition(res, logger, StateReaped)
}

func (r *Runner) ensureImage(ctx context.Context, image string) error {
	present, err := r.launcher.ImagePresent(ctx, image)
	if err == nil && present {
		return nil
	}

	_, pullErr, _ := r.pulls.Do(image, func() (interface{}, error) {
		pullCtx, cancel := context.WithTimeout(context.Background(), r.opts.PullTimeout)
		defer cancel()
		return nil, r.launcher.PullImage(pullCtx, image)
	})
	if pullErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePull, image, pullErr)
	}
	return nil
}

// EnsureImage pulls image unless already present, bounded by PullTimeout.
func (r *Runner) EnsureImage(ctx context.Context, image string) error {
	return r.ensureImage(ctx, image)
}

func (r *Runner) clampTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return r.opts.DefaultTimeout
	}
	if t > r.opts.MaxTimeout {
		return r.opts.MaxTimeout
	}
	return t
}

// Kill force-stops a running execution by container name or execution id.
func (r *Runner) Kill(ctx context.Context, id string) (registry.Entry, error) {
	return r.registry.Kill(ctx, id, r.launcher)
}

// Running lists in-flight executions, optionally for one session.
func (r *Runner) Running(session string) []registry.Entry {
	if session != "" {
		session = workspace.SanitizeName(session)
	}
	return r.registry.List(session)
}

// Available reports whether the backend can launch containers right now.
func (r *Runner) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.launcher.Available(ctx)
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting work, waits up to 30s for in-flight executions and
// closes the launcher.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for executions to finish")
	}
	return r.launcher.Close()
}

// wrapCommand runs cmd with stdout written to outFile inside the container
// and replayed afterwards. If outFile cannot be created the program writes
// straight to stdout instead. The exit status is the program's own.
func wrapCommand(cmd []string, outFile string) []string {
	const script = `out="$1"; shift; ` +
		`if : > "$out" 2>/dev/null; then "$@" > "$out"; rc=$?; cat "$out"; ` +
		`else "$@"; rc=$?; fi; exit $rc`
	return append([]string{"sh", "-c", script, "sh", outFile}, cmd...)
}

// makeStaging creates the per-execution output mount. It must be world
// writable because the container runs as nobody.
func makeStaging(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Chmod(dir, 0o777) // #nosec G302 -- written by the unprivileged container user
}

// moveStaged moves every regular file out of staging into outDir.
func moveStaged(staging, outDir string, logger zerolog.Logger) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		src := filepath.Join(staging, e.Name())
		if err := os.Rename(src, filepath.Join(outDir, e.Name())); err != nil {
			logger.Warn().Err(err).Str("file", e.Name()).Msg("moving output file failed")
		}
	}
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
