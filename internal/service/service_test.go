package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"code-runner-sandbox/internal/report"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/storage"
	"code-runner-sandbox/internal/workspace"
)

type runFunc func(ctx context.Context, spec sandbox.ContainerSpec) (int, error)

// fakeLauncher pretends every image is present and delegates Run.
type fakeLauncher struct {
	mu     sync.Mutex
	run    runFunc
	onKill func(name string)
	down   error
	runs   int
}

func (f *fakeLauncher) Name() string { return "fake" }
func (f *fakeLauncher) Available(context.Context) error { return f.down }
func (f *fakeLauncher) ImagePresent(context.Context, string) (bool, error) { return true, nil }
func (f *fakeLauncher) PullImage(context.Context, string) error { return nil }
func (f *fakeLauncher) Remove(context.Context, string) error { return nil }
func (f *fakeLauncher) Close() error { return nil }

func (f *fakeLauncher) Run(ctx context.Context, spec sandbox.ContainerSpec, _, _ io.Writer) (int, error) {
	f.mu.Lock()
	f.runs++
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return 0, nil
	}
	return run(ctx, spec)
}

func (f *fakeLauncher) Kill(_ context.Context, name string) error {
	if f.onKill != nil {
		f.onKill(name)
	}
	return nil
}

func (f *fakeLauncher) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []storage.Record
}

func (a *fakeAudit) Log(rec storage.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
}

// printResult writes content where the in-container wrapper would.
func printResult(content string) runFunc {
	return func(_ context.Context, spec sandbox.ContainerSpec) (int, error) {
		out := filepath.Join(spec.Mounts[1].Source, filepath.Base(spec.Command[4]))
		return 0, os.WriteFile(out, []byte(content), 0o644)
	}
}

func newService(t *testing.T, run runFunc) (*Service, *fakeLauncher, *fakeAudit) {
	t.Helper()
	store, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l := &fakeLauncher{run: run}
	runner := sandbox.NewRunner(l, store, nil, sandbox.Options{DefaultTimeout: 2 * time.Second})
	audit := &fakeAudit{}
	svc := New(runner, store, Options{Audit: audit})
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return svc, l, audit
}

func TestExecuteCode_Success(t *testing.T) {
	svc, _, audit := newService(t, printResult("Hello, World!\n"))
	if _, err := svc.SaveFile("Demo Session", `print("Hello, World!")`, "hello.py", workspace.CodeDir); err != nil {
		t.Fatal(err)
	}

	md := svc.ExecuteCode(context.Background(), "hello.py", "Demo Session", "python", 0)
	for _, want := range []string{
		"## Code Execution Successful",
		"**File:** `hello.py`",
		"Hello, World!",
		"### Workspace Files:\n- code/hello.py\n",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}

	if len(audit.recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.recs))
	}
	exec := audit.recs[0].Execution
	if exec.Session != "demo_session" || exec.Status != "success" || exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Errorf("audit = %+v", exec)
	}
	if len(exec.CodeHash) != 64 {
		t.Errorf("CodeHash = %q", exec.CodeHash)
	}
}

func TestExecute_MissingFile(t *testing.T) {
	svc, l, audit := newService(t, nil)

	out := svc.Execute(context.Background(), sandbox.ExecutionRequest{
		Session: "demo", Filename: "nope.py", Language: "python",
	})
	if out.Report.Stage != report.StageNeverRan || out.Report.Status != sandbox.StatusLaunchError {
		t.Errorf("Stage = %q, Status = %q", out.Report.Stage, out.Report.Status)
	}
	if l.runCount() != 0 {
		t.Error("launcher ran for a missing file")
	}
	if exec := audit.recs[0].Execution; exec.ExitCode != nil || exec.Diagnostic == "" {
		t.Errorf("audit = %+v", exec)
	}
}

func TestExecute_Findings(t *testing.T) {
	svc, _, audit := newService(t, printResult("root:x:0:0:root:/root:/bin/bash\n"))
	if _, err := svc.SaveFile("demo", `print(open("/proc/self/status").read())`, "peek.py", workspace.CodeDir); err != nil {
		t.Fatal(err)
	}

	out := svc.Execute(context.Background(), sandbox.ExecutionRequest{
		Session: "demo", Filename: "peek.py", Language: "python",
	})
	if out.Report.Status != sandbox.StatusSuccess {
		t.Fatalf("findings must not block execution: %s", out.Markdown)
	}
	if len(out.Findings) != 2 {
		t.Fatalf("Findings = %+v, want code and output findings", out.Findings)
	}
	if got := audit.recs[0].Findings; len(got) != 2 || got[0].ExecutionID != out.Result.ExecID {
		t.Errorf("audit findings = %+v", got)
	}
}

func TestRunCode_Naming(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		want     func(execID string) string
	}{
		{"generated", "", func(id string) string { return "script_" + id + ".py" }},
		{"extension appended", "calc", func(string) string { return "calc.py" }},
		{"kept", "calc.py", func(string) string { return "calc.py" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newService(t, printResult("4\n"))
			out := svc.RunCode(context.Background(), "demo", "print(2+2)", "python", tt.fileName, 0)
			if out.Report.Status != sandbox.StatusSuccess {
				t.Fatalf("Status = %s:\n%s", out.Report.Status, out.Markdown)
			}
			want := tt.want(out.Result.ExecID)
			if out.Result.Filename != want {
				t.Errorf("Filename = %q, want %q", out.Result.Filename, want)
			}
			if _, err := svc.ReadFile("demo", want, workspace.CodeDir); err != nil {
				t.Errorf("code not saved: %v", err)
			}
			if out.Result.OutputFile != sandbox.ResultFileName(out.Result.ExecID) {
				t.Errorf("OutputFile = %q", out.Result.OutputFile)
			}
		})
	}
}

func TestRunCode_UnsupportedLanguage(t *testing.T) {
	svc, l, _ := newService(t, nil)

	out := svc.RunCode(context.Background(), "demo", "puts 1", "ruby", "", 0)
	if out.Report.Status != sandbox.StatusLaunchError || out.Report.Stage != report.StageNeverRan {
		t.Errorf("Status = %s, Stage = %s", out.Report.Status, out.Report.Stage)
	}
	if !errors.Is(out.Result.Err, sandbox.ErrUnsupportedLanguage) {
		t.Errorf("Err = %v", out.Result.Err)
	}
	files, err := svc.Files("demo", workspace.CodeDir)
	if err != nil || len(files) != 0 || l.runCount() != 0 {
		t.Errorf("files = %v, err = %v, runs = %d", files, err, l.runCount())
	}
}

func TestRunCode_EmptyCode(t *testing.T) {
	svc, l, _ := newService(t, nil)

	out := svc.RunCode(context.Background(), "demo", "", "python", "empty.py", 0)
	if out.Report.Status != sandbox.StatusLaunchError || !errors.Is(out.Result.Err, sandbox.ErrInvalidRequest) {
		t.Errorf("Status = %s, err = %v", out.Report.Status, out.Result.Err)
	}
	if l.runCount() != 0 {
		t.Error("launcher ran for empty code")
	}
}

func TestListRunningAndKill(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	svc, l, _ := newService(t, func(ctx context.Context, _ sandbox.ContainerSpec) (int, error) {
		select {
		case <-release:
			return 137, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	})
	l.onKill = func(string) { once.Do(func() { close(release) }) }

	if got := svc.ListRunning(""); got != "No code is currently running." {
		t.Errorf("ListRunning() = %q", got)
	}
	if _, err := svc.SaveFile("demo", "while True: pass", "loop.py", workspace.CodeDir); err != nil {
		t.Fatal(err)
	}

	done := make(chan Outcome, 1)
	go func() {
		done <- svc.Execute(context.Background(), sandbox.ExecutionRequest{
			ExecID: "0000beef", Session: "demo", Filename: "loop.py", Language: "python",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for svc.Runner().Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("execution never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	listing := svc.ListRunning("demo")
	if !strings.Contains(listing, "- ID: code_runner_python_0000beef\n") || !strings.Contains(listing, "  File: loop.py\n") {
		t.Errorf("ListRunning() = %q", listing)
	}
	if got := svc.ListRunning("other"); got != "No code is currently running for session 'other'." {
		t.Errorf("ListRunning(other) = %q", got)
	}

	if got := svc.Kill(context.Background(), "code_runner_python_0000beef"); got != "Successfully killed code execution 'code_runner_python_0000beef'" {
		t.Errorf("Kill() = %q", got)
	}
	out := <-done
	if !out.Report.Killed || out.Report.Status != sandbox.StatusFailure {
		t.Errorf("Killed = %v, Status = %s", out.Report.Killed, out.Report.Status)
	}

	if got := svc.Kill(context.Background(), "0000beef"); got != "Error: No running container with ID '0000beef' found" {
		t.Errorf("second Kill() = %q", got)
	}
	if got := svc.Kill(context.Background(), "rm -rf /"); got != "Error: 'rm -rf /' is not a valid code runner container ID" {
		t.Errorf("invalid Kill() = %q", got)
	}
}

func TestSandboxAvailable(t *testing.T) {
	svc, l, _ := newService(t, nil)
	if !svc.SandboxAvailable(context.Background()) {
		t.Error("SandboxAvailable() = false with a working launcher")
	}
	l.down = sandbox.ErrSandboxUnavailable
	if svc.SandboxAvailable(context.Background()) {
		t.Error("SandboxAvailable() = true with a failing launcher")
	}
}

func TestWorkspaceHelpers(t *testing.T) {
	svc, _, _ := newService(t, nil)

	if _, err := svc.SaveFile("demo", "a,b\n1,2\n", "input.csv", workspace.DataDir); err != nil {
		t.Fatal(err)
	}
	got, err := svc.ReadFile("demo", "input.csv", workspace.DataDir)
	if err != nil || got != "a,b\n1,2\n" {
		t.Errorf("ReadFile() = %q, %v", got, err)
	}
	if _, err := svc.ReadFile("demo", "missing.csv", workspace.DataDir); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("ReadFile(missing) err = %v", err)
	}

	info, err := svc.WorkspaceInfo("demo")
	if err != nil || info.DataFiles != 1 || info.TotalFiles != 1 || info.TotalSize != 8 {
		t.Errorf("WorkspaceInfo() = %+v, %v", info, err)
	}

	ok, err := svc.DeleteFile("demo", "input.csv", workspace.DataDir)
	if err != nil || !ok {
		t.Errorf("DeleteFile() = %v, %v", ok, err)
	}
	if _, _, found, err := svc.LatestResult("demo"); found || err != nil {
		t.Errorf("LatestResult() found = %v, err = %v", found, err)
	}
}

func TestLatestResult(t *testing.T) {
	svc, _, _ := newService(t, printResult("42\n"))
	out := svc.RunCode(context.Background(), "demo", "print(42)", "python", "answer.py", 0)
	if out.Report.Status != sandbox.StatusSuccess {
		t.Fatal(out.Markdown)
	}
	name, content, found, err := svc.LatestResult("demo")
	if err != nil || !found || name != out.Result.OutputFile || content != "42\n" {
		t.Errorf("LatestResult() = %q, %q, %v, %v", name, content, found, err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		res  sandbox.ExecutionResult
		want string
	}{
		{sandbox.ExecutionResult{Killed: true}, "killed"},
		{sandbox.ExecutionResult{Err: sandbox.ErrTimeout}, "timeout"},
		{sandbox.ExecutionResult{Err: sandbox.ErrUnsupportedLanguage}, "unsupported_language"},
		{sandbox.ExecutionResult{Err: sandbox.ErrArtifactMissing}, "missing_file"},
		{sandbox.ExecutionResult{Err: sandbox.ErrImagePull}, "image_pull"},
		{sandbox.ExecutionResult{Err: &workspace.StorageError{Op: "write", Err: os.ErrPermission}}, "storage"},
		{sandbox.ExecutionResult{Err: sandbox.ErrLaunch}, "launch"},
		{sandbox.ExecutionResult{Err: sandbox.ErrRuntimeFailure}, "runtime"},
	}
	for _, tt := range tests {
		if got := errorKind(&tt.res); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.res.Err, got, tt.want)
		}
	}
}

func TestProcessMessage_UnnamedBlocksSurviveLaterMessages(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	first, err := svc.ProcessMessage(ctx, "demo", "coder", "```python\nprint('round one')\n```\n")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.ProcessMessage(ctx, "demo", "coder", "```python\nprint('round two')\n```\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Saved) != 1 || len(second.Saved) != 1 {
		t.Fatalf("saved = %+v / %+v", first.Saved, second.Saved)
	}

	a, b := first.Saved[0].Filename, second.Saved[0].Filename
	if a == b {
		t.Fatalf("both messages saved to %s", a)
	}
	if !strings.HasPrefix(a, "python_snippet_") || !strings.HasSuffix(a, ".py") {
		t.Errorf("generated name = %s", a)
	}
	if got, err := svc.ReadFile("demo", a, workspace.CodeDir); err != nil || got != "print('round one')\n" {
		t.Errorf("first block = %q, %v", got, err)
	}
	if got, err := svc.ReadFile("demo", b, workspace.CodeDir); err != nil || got != "print('round two')\n" {
		t.Errorf("second block = %q, %v", got, err)
	}
}

func TestProcessMessage_NoCode(t *testing.T) {
	svc, _, _ := newService(t, nil)
	msg, err := svc.ProcessMessage(context.Background(), "demo", "coder", "just prose")
	if err != nil || msg.HasCode || msg.Content != "just prose" {
		t.Errorf("msg = %+v, err = %v", msg, err)
	}
}
