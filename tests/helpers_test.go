package tests

import (
	"os/exec"
	"testing"
	"time"

	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/service"
	"code-runner-sandbox/internal/workspace"
)

// requireDocker skips the test if Docker is not installed or not running.
func requireDocker(tb testing.TB) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping docker test in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		tb.Skip("Docker not installed, skipping")
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		tb.Skip("Docker daemon not running, skipping")
	}
}

// newDockerService returns a service backed by the real docker CLI and a
// throwaway workspace.
func newDockerService(tb testing.TB) *service.Service {
	tb.Helper()
	requireDocker(tb)

	launcher, err := sandbox.NewDockerLauncher(sandbox.DockerOptions{})
	if err != nil {
		tb.Fatalf("creating docker launcher: %v", err)
	}
	store, err := workspace.New(tb.TempDir())
	if err != nil {
		tb.Fatalf("creating workspace: %v", err)
	}
	runner := sandbox.NewRunner(launcher, store, nil, sandbox.Options{
		DefaultTimeout: 10 * time.Second,
		PullTimeout:    3 * time.Minute,
	})
	tb.Cleanup(func() { _ = runner.Close() })
	return service.New(runner, store, service.Options{})
}

func containerRunning(name string) bool {
	out, err := exec.Command("docker", "ps", "-q", "--filter", "name=^"+name+"$").Output()
	return err == nil && len(out) > 0
}
