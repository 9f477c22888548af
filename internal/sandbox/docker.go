package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/pkg/seccomp"
)

// envBlocklist contains env var keys that must never be passed into a container.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"USER":            true,
}

// DockerOptions configures the docker CLI launcher.
type DockerOptions struct {
	// Binary is the docker executable, "docker" by default.
	Binary string
	// OrphanPrefixes selects containers swept by the orphan cleanup loop.
	OrphanPrefixes []string
	// OrphanInterval is how often the sweep runs; zero disables it.
	OrphanInterval time.Duration
	// OrphanMaxAge is the age past which a managed container is an orphan.
	OrphanMaxAge time.Duration
	// StrictSeccomp applies the allowlist profile from pkg/seccomp instead
	// of Docker's default profile.
	StrictSeccomp bool
}

// DockerLauncher drives the docker CLI. It is the default backend and the one
// whose flags are part of the interop contract.
type DockerLauncher struct {
	binary        string
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	seccompPath   string
	prefixes      []string
	maxAge        time.Duration
	cancelCleanup context.CancelFunc
}

// NewDockerLauncher resolves the docker host and starts the orphan sweep.
func NewDockerLauncher(opts DockerOptions) (*DockerLauncher, error) {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	d := &DockerLauncher{
		binary:     opts.Binary,
		dockerHost: resolveDockerHost(opts.Binary),
		prefixes:   opts.OrphanPrefixes,
		maxAge:     opts.OrphanMaxAge,
	}
	if d.maxAge <= 0 {
		d.maxAge = 5 * time.Minute
	}

	if opts.StrictSeccomp {
		profile, err := seccomp.DockerProfileJSON()
		if err != nil {
			return nil, err
		}
		f, err := os.CreateTemp("", "code-runner-seccomp-*.json")
		if err != nil {
			return nil, fmt.Errorf("creating seccomp profile file: %w", err)
		}
		if _, err := f.Write(profile); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("writing seccomp profile: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("writing seccomp profile: %w", err)
		}
		d.seccompPath = f.Name()
	}

	if opts.OrphanInterval > 0 && len(opts.OrphanPrefixes) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancelCleanup = cancel
		go d.orphanCleanupLoop(ctx, opts.OrphanInterval)
	}
	return d, nil
}

func (d *DockerLauncher) Name() string { return "docker" }

func (d *DockerLauncher) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.binary, args...) // #nosec G204 -- args built internally, never raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// Available runs "docker info"; the caller bounds it with ctx.
func (d *DockerLauncher) Available(ctx context.Context) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrSandboxUnavailable, d.binary)
	}
	var stderr bytes.Buffer
	cmd := d.command(ctx, "info")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %s", ErrSandboxUnavailable, firstLine(stderr.String(), err))
	}
	return nil
}

func (d *DockerLauncher) ImagePresent(ctx context.Context, image string) (bool, error) {
	out, err := d.command(ctx, "images", "-q", image).Output()
	if err != nil {
		return false, fmt.Errorf("checking image %s: %w", image, err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (d *DockerLauncher) PullImage(ctx context.Context, image string) error {
	log.Info().Str("image", image).Msg("pulling runtime image")
	var stderr bytes.Buffer
	cmd := d.command(ctx, "pull", "--quiet", image)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pulling %s: %w", image, ctx.Err())
		}
		return fmt.Errorf("pulling %s: %s", image, firstLine(stderr.String(), err))
	}
	log.Info().Str("image", image).Msg("runtime image pulled")
	return nil
}

// Run executes "docker run" in the foreground. Exit status 125 is the docker
// client's own failure code and is reported as a launch error.
func (d *DockerLauncher) Run(ctx context.Context, spec ContainerSpec, stdout, stderr io.Writer) (int, error) {
	mounts := make([]Mount, len(spec.Mounts))
	for i, m := range spec.Mounts {
		src, err := absMount(m.Source)
		if err != nil {
			return -1, fmt.Errorf("resolving mount %s: %w", m.Source, err)
		}
		m.Source = src
		mounts[i] = m
	}
	spec.Mounts = mounts
	args := d.buildArgs(spec)

	var errBuf bytes.Buffer
	cmd := d.command(ctx, args...)
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, &errBuf)
	// Killing the client must not hang on pipes held by the daemon.
	cmd.WaitDelay = 2 * time.Second

	log.Debug().Str("container", spec.Name).Strs("args", args[:6]).Msg("starting docker container")

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 125 {
			return code, fmt.Errorf("docker run: %s", firstLine(errBuf.String(), err))
		}
		return code, nil
	}
	return -1, fmt.Errorf("docker run: %w", err)
}

func (d *DockerLauncher) Kill(ctx context.Context, name string) error {
	var stderr bytes.Buffer
	cmd := d.command(ctx, "kill", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker kill %s: %s", name, firstLine(stderr.String(), err))
	}
	return nil
}

func (d *DockerLauncher) Remove(ctx context.Context, name string) error {
	var stderr bytes.Buffer
	cmd := d.command(ctx, "rm", "-f", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm %s: %s", name, firstLine(stderr.String(), err))
	}
	return nil
}

func (d *DockerLauncher) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	if d.seccompPath != "" {
		_ = os.Remove(d.seccompPath)
	}
	return nil
}

func (d *DockerLauncher) buildArgs(spec ContainerSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--network=none",
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
	}
	if d.seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+d.seccompPath)
	}
	args = append(args, spec.Limits.DockerFlags()...)

	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, env := range filterEnv(spec.Env) {
		args = append(args, "-e", env)
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// filterEnv drops malformed entries and keys on the blocklist.
func filterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" || envBlocklist[strings.ToUpper(key)] {
			log.Warn().Str("key", key).Msg("dropping container env var")
			continue
		}
		out = append(out, kv)
	}
	return out
}

// orphanCleanupLoop periodically removes sandbox containers that survived a
// crash of a previous process. The in-memory registry cannot see them.
func (d *DockerLauncher) orphanCleanupLoop(ctx context.Context, interval time.Duration) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dockerTimeLayout matches the CreatedAt column of "docker ps".
const dockerTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// cleanupOrphans removes managed containers older than maxAge. No execution
// may legitimately outlive its timeout, so anything older was abandoned.
func (d *DockerLauncher) cleanupOrphans(ctx context.Context) {
	out, err := d.command(ctx, "ps", "-a",
		"--filter", "label="+ManagedLabel+"=true",
		"--format", "{{.Names}}\t{{.CreatedAt}}").Output()
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name, created, ok := strings.Cut(line, "\t")
		if !ok || !d.owns(name) {
			continue
		}
		createdAt, err := time.Parse(dockerTimeLayout, strings.TrimSpace(created))
		if err != nil || time.Since(createdAt) < d.maxAge {
			continue
		}
		log.Warn().Str("container", name).Time("created_at", createdAt).Msg("removing orphaned sandbox container")
		if err := d.Remove(ctx, name); err != nil {
			log.Error().Err(err).Str("container", name).Msg("orphan removal failed")
		}
	}
}

func (d *DockerLauncher) owns(name string) bool {
	for _, prefix := range d.prefixes {
		if strings.HasPrefix(name, prefix+"_") {
			return true
		}
	}
	return false
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost(binary string) string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, binary, "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output() // #nosec G204
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func firstLine(s string, fallback error) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.Error()
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// absMount resolves a host path for -v, which rejects relative sources.
func absMount(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
