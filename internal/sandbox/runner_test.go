package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"code-runner-sandbox/internal/workspace"
)

type runFunc func(ctx context.Context, spec ContainerSpec, stdout, stderr io.Writer) (int, error)

// fakeLauncher records every call and delegates Run to a test function.
type fakeLauncher struct {
	mu      sync.Mutex
	present bool
	pullErr error
	run     runFunc
	onKill  func(name string)
	killErr error

	runs    []ContainerSpec
	pulls   []string
	kills   []string
	removes []string
}

func (f *fakeLauncher) Name() string { return "fake" }
func (f *fakeLauncher) Available(context.Context) error { return nil }
func (f *fakeLauncher) Close() error { return nil }
func (f *fakeLauncher) ImagePresent(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present, nil
}

func (f *fakeLauncher) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, image)
	if f.pullErr == nil {
		f.present = true
	}
	return f.pullErr
}

func (f *fakeLauncher) Run(ctx context.Context, spec ContainerSpec, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return 0, nil
	}
	return run(ctx, spec, stdout, stderr)
}

func (f *fakeLauncher) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	f.kills = append(f.kills, name)
	onKill, killErr := f.onKill, f.killErr
	f.mu.Unlock()
	if onKill != nil {
		onKill(name)
	}
	return killErr
}

func (f *fakeLauncher) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, name)
	return nil
}

func (f *fakeLauncher) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// writeResult writes the file the in-container wrapper would produce.
func writeResult(t *testing.T, spec ContainerSpec, content string) {
	t.Helper()
	dir := spec.Mounts[1].Source
	if err := os.WriteFile(filepath.Join(dir, filepath.Base(spec.Command[4])), []byte(content), 0o644); err != nil {
		t.Errorf("writing result: %v", err)
	}
}

type fixture struct {
	launcher *fakeLauncher
	store    *workspace.Store
	sess     *workspace.Session
	runner   *Runner
}

func newFixture(t *testing.T, run runFunc) *fixture {
	t.Helper()
	store, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.Session("demo", true)
	if err != nil {
		t.Fatal(err)
	}
	l := &fakeLauncher{present: true, run: run}
	r := NewRunner(l, store, nil, Options{DefaultTimeout: 2 * time.Second, MaxTimeout: 5 * time.Second})
	return &fixture{launcher: l, store: store, sess: sess, runner: r}
}

func (fx *fixture) save(t *testing.T, name, code string) {
	t.Helper()
	if _, err := fx.store.Save(fx.sess, code, name, workspace.CodeDir); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) outputExists(name string) bool {
	_, err := os.Stat(filepath.Join(fx.sess.Dir(workspace.OutputDir), name))
	return err == nil
}

func TestExecute_Success(t *testing.T) {
	fx := newFixture(t, func(_ context.Context, spec ContainerSpec, stdout, _ io.Writer) (int, error) {
		writeResult(t, spec, "hello\n")
		fmt.Fprint(stdout, "hello\n")
		return 0, nil
	})
	fx.save(t, "main.py", "print('hello')")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		ExecID: "0000abcd", Session: "demo", Filename: "main.py", Language: "py",
	})

	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	if res.Output != "hello\n" || res.ExitCode != 0 {
		t.Errorf("Output = %q, ExitCode = %d", res.Output, res.ExitCode)
	}
	if res.ContainerName != "code_runner_python_0000abcd" {
		t.Errorf("ContainerName = %q", res.ContainerName)
	}
	if res.Language != "python" || !res.ArtifactSaved {
		t.Errorf("Language = %q, ArtifactSaved = %v", res.Language, res.ArtifactSaved)
	}
	if res.State != StateReaped {
		t.Errorf("State = %s, want reaped", res.State)
	}
	if res.OutputFile != "result_0000abcd.txt" || !fx.outputExists("result_0000abcd.txt") {
		t.Errorf("output file %q not moved into output/", res.OutputFile)
	}
	if fx.outputExists(".run_0000abcd") {
		t.Error("staging dir should be removed")
	}
	if fx.outputExists("error_0000abcd.txt") {
		t.Error("no error file expected on success")
	}
	if fx.runner.Registry().Len() != 0 {
		t.Error("registry should be empty after run")
	}
	if len(fx.launcher.removes) != 1 || fx.launcher.removes[0] != res.ContainerName {
		t.Errorf("removes = %v", fx.launcher.removes)
	}

	spec := fx.launcher.runs[0]
	if spec.Image != "python:3.11-slim" || spec.User != "65534:65534" || spec.WorkDir != "/code" {
		t.Errorf("spec = %+v", spec)
	}
	if !spec.Mounts[0].ReadOnly || spec.Mounts[0].Target != "/code" || spec.Mounts[1].ReadOnly {
		t.Errorf("mounts = %+v", spec.Mounts)
	}
	if spec.Labels[ManagedLabel] != "true" {
		t.Errorf("labels = %v", spec.Labels)
	}
	if cmd := strings.Join(spec.Command, " "); !strings.HasSuffix(cmd, "python -u -B /code/main.py") {
		t.Errorf("command = %q", cmd)
	}
}

func TestExecute_UnsupportedLanguageNeverLaunches(t *testing.T) {
	fx := newFixture(t, nil)
	fx.save(t, "main.rs", "fn main() {}")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.rs", Language: "rust",
	})

	if res.Status != StatusLaunchError || !errors.Is(res.Err, ErrUnsupportedLanguage) {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	if !IsLaunchError(res.Err) {
		t.Error("IsLaunchError() = false")
	}
	if fx.launcher.runCount() != 0 || len(fx.launcher.pulls) != 0 {
		t.Error("launcher must not be called for unsupported languages")
	}
	if !res.ArtifactSaved {
		t.Error("ArtifactSaved should be true, the file exists")
	}
	if !fx.outputExists(res.ErrorFile) || res.ErrorFile == "" {
		t.Error("error file expected")
	}
}

func TestExecute_MissingArtifact(t *testing.T) {
	fx := newFixture(t, nil)

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "nope.py", Language: "python",
	})

	if res.Status != StatusLaunchError || !errors.Is(res.Err, ErrArtifactMissing) {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	if res.ArtifactSaved {
		t.Error("ArtifactSaved should be false")
	}
	if fx.launcher.runCount() != 0 {
		t.Error("launcher must not run")
	}
}

func TestExecute_InvalidFilename(t *testing.T) {
	fx := newFixture(t, nil)
	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "../etc/passwd", Language: "python",
	})
	if res.Status != StatusLaunchError || !errors.Is(res.Err, ErrInvalidRequest) {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
}

func TestExecute_ExceptionSignatureOverridesExitZero(t *testing.T) {
	fx := newFixture(t, func(_ context.Context, spec ContainerSpec, _, _ io.Writer) (int, error) {
		writeResult(t, spec, "Traceback (most recent call last):\n  File \"/code/main.py\"\nValueError: bad\n")
		return 0, nil
	})
	fx.save(t, "main.py", "raise ValueError('bad')")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.py", Language: "python",
	})

	if res.Status != StatusFailure || !res.DetectedException {
		t.Fatalf("Status = %s, DetectedException = %v", res.Status, res.DetectedException)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !IsRuntimeFailure(res.Err) {
		t.Errorf("err = %v, want runtime failure", res.Err)
	}
	data, err := fx.store.Read(fx.sess, res.ErrorFile, workspace.OutputDir)
	if err != nil || !strings.Contains(data, "ValueError: bad") {
		t.Errorf("error file = %q, %v", data, err)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	fx := newFixture(t, func(_ context.Context, _ ContainerSpec, _, stderr io.Writer) (int, error) {
		fmt.Fprint(stderr, "boom")
		return 3, nil
	})
	fx.save(t, "run.sh", "exit 3")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "run.sh", Language: "bash",
	})

	if res.Status != StatusFailure || res.ExitCode != 3 || res.Stderr != "boom" {
		t.Fatalf("got %s exit=%d stderr=%q", res.Status, res.ExitCode, res.Stderr)
	}
	if res.OutputFile != "" {
		t.Errorf("OutputFile = %q, want none", res.OutputFile)
	}
}

func TestExecute_StdoutFallback(t *testing.T) {
	fx := newFixture(t, func(_ context.Context, _ ContainerSpec, stdout, _ io.Writer) (int, error) {
		fmt.Fprint(stdout, "from stdout")
		return 0, nil
	})
	fx.save(t, "main.js", "console.log('x')")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.js", Language: "node",
	})
	if res.Status != StatusSuccess || res.Output != "from stdout" {
		t.Fatalf("Status = %s, Output = %q", res.Status, res.Output)
	}
}

func TestExecute_Timeout(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, spec ContainerSpec, _, _ io.Writer) (int, error) {
		writeResult(t, spec, "partial")
		<-ctx.Done()
		return -1, ctx.Err()
	})
	fx.save(t, "loop.py", "while True: pass")

	start := time.Now()
	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		ExecID: "0000beef", Session: "demo", Filename: "loop.py", Language: "python",
		Timeout: 50 * time.Millisecond,
	})

	if res.Status != StatusTimeout || res.State != StateReaped {
		t.Fatalf("Status = %s State = %s", res.Status, res.State)
	}
	if !IsTimeout(res.Err) {
		t.Errorf("err = %v, want timeout", res.Err)
	}
	if !res.Partial || res.Output != "partial" {
		t.Errorf("Partial = %v, Output = %q", res.Partial, res.Output)
	}
	if res.HasExitCode() {
		t.Error("timeout carries no exit code")
	}
	if len(fx.launcher.kills) != 1 || fx.launcher.kills[0] != "code_runner_python_0000beef" {
		t.Errorf("kills = %v", fx.launcher.kills)
	}
	if fx.runner.Registry().Len() != 0 {
		t.Error("registry should be empty after timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not honored")
	}
}

func TestExecute_ImagePullFailure(t *testing.T) {
	fx := newFixture(t, nil)
	fx.launcher.present = false
	fx.launcher.pullErr = errors.New("manifest unknown")
	fx.save(t, "main.go", "package main\nfunc main() {}")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.go", Language: "go",
	})

	if res.Status != StatusLaunchError || !errors.Is(res.Err, ErrImagePull) {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	if fx.launcher.runCount() != 0 {
		t.Error("nothing may run when the image is unavailable")
	}
	if len(fx.launcher.pulls) != 1 || fx.launcher.pulls[0] != "golang:1.20-alpine" {
		t.Errorf("pulls = %v", fx.launcher.pulls)
	}
}

func TestExecute_PullsMissingImageOnce(t *testing.T) {
	fx := newFixture(t, nil)
	fx.launcher.present = false
	fx.save(t, "main.py", "print(1)")

	for i := 0; i < 2; i++ {
		res := fx.runner.Execute(context.Background(), ExecutionRequest{
			Session: "demo", Filename: "main.py", Language: "python",
		})
		if res.Status != StatusSuccess {
			t.Fatalf("run %d: %s %v", i, res.Status, res.Err)
		}
	}
	if len(fx.launcher.pulls) != 1 {
		t.Errorf("pulls = %v, want one", fx.launcher.pulls)
	}
}

func TestExecute_LaunchFailure(t *testing.T) {
	fx := newFixture(t, func(context.Context, ContainerSpec, io.Writer, io.Writer) (int, error) {
		return 125, errors.New("docker run: invalid mount")
	})
	fx.save(t, "main.py", "print(1)")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.py", Language: "python",
	})
	if res.Status != StatusLaunchError || !errors.Is(res.Err, ErrLaunch) {
		t.Fatalf("Status = %s, err = %v", res.Status, res.Err)
	}
	if res.State != StateReaped {
		t.Errorf("State = %s", res.State)
	}
}

func TestExecute_Panic(t *testing.T) {
	fx := newFixture(t, func(context.Context, ContainerSpec, io.Writer, io.Writer) (int, error) {
		panic("launcher bug")
	})
	fx.save(t, "main.py", "print(1)")

	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.py", Language: "python",
	})
	if res.Status != StatusLaunchError {
		t.Fatalf("Status = %s", res.Status)
	}
	if fx.runner.Registry().Len() != 0 || len(fx.launcher.removes) != 1 {
		t.Error("cleanup must run when the launcher panics")
	}
}

func TestExecute_Kill(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	fx := newFixture(t, func(ctx context.Context, _ ContainerSpec, _, _ io.Writer) (int, error) {
		select {
		case <-release:
			return 137, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	})
	fx.launcher.onKill = func(string) { once.Do(func() { close(release) }) }
	fx.save(t, "sleep.py", "import time; time.sleep(60)")

	done := make(chan *ExecutionResult, 1)
	go func() {
		done <- fx.runner.Execute(context.Background(), ExecutionRequest{
			ExecID: "0000cafe", Session: "demo", Filename: "sleep.py", Language: "python",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fx.runner.Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("execution never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fx.runner.Running("demo"); len(got) != 1 || got[0].Snippet == "" {
		t.Fatalf("Running() = %+v", got)
	}

	entry, err := fx.runner.Kill(context.Background(), "0000cafe")
	if err != nil {
		t.Fatalf("Kill() = %v", err)
	}
	if entry.ContainerName != "code_runner_python_0000cafe" {
		t.Errorf("entry = %+v", entry)
	}

	res := <-done
	if !res.Killed || res.Status != StatusFailure || res.ExitCode != 137 {
		t.Errorf("Killed = %v Status = %s ExitCode = %d", res.Killed, res.Status, res.ExitCode)
	}
}

func TestExecute_FailedKillLeavesCleanExitSuccessful(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	fx := newFixture(t, func(_ context.Context, spec ContainerSpec, _, _ io.Writer) (int, error) {
		<-release
		writeResult(t, spec, "done\n")
		return 0, nil
	})
	fx.launcher.killErr = errors.New("Error response from daemon: No such container")
	fx.launcher.onKill = func(string) { once.Do(func() { close(release) }) }
	fx.save(t, "slow.py", "print('done')")

	done := make(chan *ExecutionResult, 1)
	go func() {
		done <- fx.runner.Execute(context.Background(), ExecutionRequest{
			ExecID: "0000d00d", Session: "demo", Filename: "slow.py", Language: "python",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fx.runner.Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("execution never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := fx.runner.Kill(context.Background(), "0000d00d"); err == nil {
		t.Fatal("Kill() should report the stop failure")
	}

	res := <-done
	if res.Killed || res.Status != StatusSuccess || res.Err != nil {
		t.Errorf("Killed = %v Status = %s Err = %v", res.Killed, res.Status, res.Err)
	}
	if res.Output != "done\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestExecute_CanceledHasNoExitCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fx := newFixture(t, func(runCtx context.Context, _ ContainerSpec, _, _ io.Writer) (int, error) {
		cancel()
		<-runCtx.Done()
		return -1, runCtx.Err()
	})
	fx.save(t, "main.py", "print(1)")

	res := fx.runner.Execute(ctx, ExecutionRequest{
		ExecID: "0000abcd", Session: "demo", Filename: "main.py", Language: "python",
	})
	if !errors.Is(res.Err, ErrCanceled) {
		t.Fatalf("err = %v, want canceled", res.Err)
	}
	if res.HasExitCode() {
		t.Errorf("canceled run reports exit code %d", res.ExitCode)
	}
}

func TestExecute_ConcurrentIsolation(t *testing.T) {
	fx := newFixture(t, func(_ context.Context, spec ContainerSpec, _, _ io.Writer) (int, error) {
		time.Sleep(10 * time.Millisecond)
		writeResult(t, spec, "out:"+spec.Name)
		return 0, nil
	})
	const n = 8
	for i := 0; i < n; i++ {
		fx.save(t, fmt.Sprintf("job_%d.py", i), "print(1)")
	}

	results := make([]*ExecutionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fx.runner.Execute(context.Background(), ExecutionRequest{
				Session: "demo", Filename: fmt.Sprintf("job_%d.py", i), Language: "python",
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, res := range results {
		if res.Status != StatusSuccess {
			t.Fatalf("%s: %s %v", res.Filename, res.Status, res.Err)
		}
		if seen[res.ContainerName] {
			t.Errorf("duplicate container name %s", res.ContainerName)
		}
		seen[res.ContainerName] = true
		if res.Output != "out:"+res.ContainerName {
			t.Errorf("%s read output of another execution: %q", res.ContainerName, res.Output)
		}
		if !fx.outputExists(res.OutputFile) {
			t.Errorf("missing %s", res.OutputFile)
		}
	}
	if fx.runner.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d", fx.runner.ActiveCount())
	}
}

func TestExecute_DirectName(t *testing.T) {
	fx := newFixture(t, nil)
	fx.save(t, "main.py", "print(1)")
	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		ExecID: "0000f00d", Session: "demo", Filename: "main.py", Language: "python", Direct: true,
	})
	if res.ContainerName != "direct_execution_0000f00d" {
		t.Errorf("ContainerName = %q", res.ContainerName)
	}
}

func TestExecute_AfterClose(t *testing.T) {
	fx := newFixture(t, nil)
	fx.save(t, "main.py", "print(1)")
	if err := fx.runner.Close(); err != nil {
		t.Fatal(err)
	}
	res := fx.runner.Execute(context.Background(), ExecutionRequest{
		Session: "demo", Filename: "main.py", Language: "python",
	})
	if !errors.Is(res.Err, ErrRunnerClosed) {
		t.Errorf("err = %v, want ErrRunnerClosed", res.Err)
	}
}

func TestClampTimeout(t *testing.T) {
	fx := newFixture(t, nil)
	tests := []struct {
		in, want time.Duration
	}{
		{0, 2 * time.Second},
		{-time.Second, 2 * time.Second},
		{time.Second, time.Second},
		{time.Hour, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := fx.runner.clampTimeout(tt.in); got != tt.want {
			t.Errorf("clampTimeout(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWrapCommand(t *testing.T) {
	cmd := wrapCommand([]string{"python", "-u", "/code/a.py"}, "/output/result_1.txt")
	if cmd[0] != "sh" || cmd[1] != "-c" || cmd[3] != "sh" || cmd[4] != "/output/result_1.txt" {
		t.Fatalf("wrapCommand() = %q", cmd)
	}
	if got := strings.Join(cmd[5:], " "); got != "python -u /code/a.py" {
		t.Errorf("program args = %q", got)
	}
	if !strings.Contains(cmd[2], "exit $rc") {
		t.Error("wrapper must preserve the exit status")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("abc", 10); got != "abc" {
		t.Errorf("short output changed: %q", got)
	}
	if got := truncateOutput("abcdef", 3); !strings.HasPrefix(got, "abc\n") || !strings.Contains(got, "truncated") {
		t.Errorf("truncateOutput() = %q", got)
	}
	// "é" is two bytes; a cut at 5 lands inside the third one.
	got := truncateOutput("ééé", 5)
	if !utf8.ValidString(got) || !strings.HasPrefix(got, "éé\n") {
		t.Errorf("truncateOutput() = %q, want cut on a rune boundary", got)
	}
}
