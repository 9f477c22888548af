package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdLauncher talks to containerd directly. It applies the same policy
// as the docker flags through the OCI spec: no network namespace peers, read
// only rootfs, no capabilities, nobody user, seccomp allowlist.
type ContainerdLauncher struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	client *containerd.Client
	closed bool
}

// NewContainerdLauncher connects to socket and verifies the daemon answers.
func NewContainerdLauncher(ctx context.Context, socket, namespace string) (*ContainerdLauncher, error) {
	client, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdLauncher{
		socket:    socket,
		namespace: namespace,
		client:    client,
	}, nil
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrSandboxUnavailable, socket, err)
	}
	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrSandboxUnavailable, err)
	}
	return client, nil
}

func (c *ContainerdLauncher) Name() string { return "containerd" }

func (c *ContainerdLauncher) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *ContainerdLauncher) raw() (*containerd.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("%w: containerd launcher closed", ErrSandboxUnavailable)
	}
	return c.client, nil
}

// Available pings the daemon and reconnects once if the connection dropped.
func (c *ContainerdLauncher) Available(ctx context.Context) error {
	client, err := c.raw()
	if err != nil {
		return err
	}
	if _, err := client.Version(ctx); err == nil {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *ContainerdLauncher) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: containerd launcher closed", ErrSandboxUnavailable)
	}

	client, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	_ = c.client.Close()
	c.client = client
	log.Info().Msg("reconnected to containerd")
	return nil
}

func (c *ContainerdLauncher) ImagePresent(ctx context.Context, image string) (bool, error) {
	client, err := c.raw()
	if err != nil {
		return false, err
	}
	_, err = client.GetImage(c.ns(ctx), normalizeRef(image))
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking image %s: %w", image, err)
}

func (c *ContainerdLauncher) PullImage(ctx context.Context, image string) error {
	client, err := c.raw()
	if err != nil {
		return err
	}
	ref := normalizeRef(image)
	log.Info().Str("ref", ref).Msg("pulling runtime image")
	if _, err := client.Pull(c.ns(ctx), ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("runtime image pulled")
	return nil
}

// Run creates the container, starts its task and waits for exit. The
// container is deleted before Run returns, matching docker run --rm.
func (c *ContainerdLauncher) Run(ctx context.Context, spec ContainerSpec, stdout, stderr io.Writer) (int, error) {
	client, err := c.raw()
	if err != nil {
		return -1, err
	}
	nsCtx := c.ns(ctx)

	image, err := client.GetImage(nsCtx, normalizeRef(spec.Image))
	if err != nil {
		return -1, fmt.Errorf("loading image %s: %w", spec.Image, err)
	}

	profile, err := securityProfile(spec.User)
	if err != nil {
		return -1, err
	}

	container, err := client.NewContainer(nsCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				profile.Apply(s)
				ApplyResourceLimits(s, spec.Limits)
				for _, m := range spec.Mounts {
					src, err := absMount(m.Source)
					if err != nil {
						return fmt.Errorf("resolving mount %s: %w", m.Source, err)
					}
					mode := "rw"
					if m.ReadOnly {
						mode = "ro"
					}
					s.Mounts = append(s.Mounts, specs.Mount{
						Destination: m.Target,
						Type:        "bind",
						Source:      src,
						Options:     []string{"rbind", mode},
					})
				}
				if spec.WorkDir != "" {
					s.Process.Cwd = spec.WorkDir
				}
				s.Process.Env = append([]string{
					"PATH=/usr/local/go/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
				}, filterEnv(spec.Env)...)
				return nil
			},
		),
	)
	if err != nil {
		return -1, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if err := c.deleteContainer(context.Background(), container); err != nil {
			log.Error().Err(err).Str("container", spec.Name).Msg("container cleanup failed")
		}
	}()

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return -1, fmt.Errorf("creating task: %w", err)
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("waiting on task: %w", err)
	}
	if err := task.Start(nsCtx); err != nil {
		return -1, fmt.Errorf("starting task: %w", err)
	}

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return -1, fmt.Errorf("task exit: %w", err)
		}
		return int(code), nil
	case <-ctx.Done():
		killCtx := c.ns(context.Background())
		if err := task.Kill(killCtx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			log.Error().Err(err).Str("container", spec.Name).Msg("failed to kill task")
		}
		select {
		case <-exitCh:
		case <-time.After(5 * time.Second):
		}
		return -1, ctx.Err()
	}
}

func (c *ContainerdLauncher) Kill(ctx context.Context, name string) error {
	client, err := c.raw()
	if err != nil {
		return err
	}
	nsCtx := c.ns(ctx)
	container, err := client.LoadContainer(nsCtx, name)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", name, err)
	}
	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", name, err)
	}
	return task.Kill(nsCtx, syscall.SIGKILL)
}

func (c *ContainerdLauncher) Remove(ctx context.Context, name string) error {
	client, err := c.raw()
	if err != nil {
		return err
	}
	container, err := client.LoadContainer(c.ns(ctx), name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", name, err)
	}
	return c.deleteContainer(ctx, container)
}

// deleteContainer stops any live task and removes the container with its
// snapshot.
func (c *ContainerdLauncher) deleteContainer(ctx context.Context, container containerd.Container) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ctx = c.ns(ctx)

	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(ctx, syscall.SIGKILL)
			waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
			if exitCh, err := task.Wait(waitCtx); err == nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					log.Warn().Str("container", container.ID()).Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container", container.ID()).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// CleanupOrphaned removes managed containers left behind by a previous
// process.
func (c *ContainerdLauncher) CleanupOrphaned(ctx context.Context) (int, error) {
	client, err := c.raw()
	if err != nil {
		return 0, err
	}
	list, err := client.Containers(c.ns(ctx), fmt.Sprintf("labels.%q==true", ManagedLabel))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, container := range list {
		log.Info().Str("container", container.ID()).Msg("cleaning up orphaned sandbox container")
		if err := c.deleteContainer(ctx, container); err != nil {
			log.Error().Err(err).Str("container", container.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (c *ContainerdLauncher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// normalizeRef expands short docker hub names, which containerd does not
// resolve on its own.
func normalizeRef(ref string) string {
	first, rest, found := strings.Cut(ref, "/")
	if !found {
		return "docker.io/library/" + ref
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return ref
	}
	return "docker.io/" + first + "/" + rest
}

// parseUser reads "uid:gid" (or a bare uid, in which case gid matches).
func parseUser(user string) (uint32, uint32, error) {
	uidStr, gidStr, found := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: user %q", ErrInvalidRequest, user)
	}
	if !found {
		return uint32(uid), uint32(uid), nil
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: user %q", ErrInvalidRequest, user)
	}
	return uint32(uid), uint32(gid), nil
}
