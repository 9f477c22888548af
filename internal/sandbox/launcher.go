package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Mount binds a host directory into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything a Launcher needs to start one sandbox.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	WorkDir string
	Mounts  []Mount
	Limits  ResourceLimits
	User    string // uid:gid
	Labels  map[string]string
}

// Launcher starts and stops sandbox containers. Implementations must never
// fall back to running code on the host.
type Launcher interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Available returns nil when the backend can launch containers.
	Available(ctx context.Context) error

	// ImagePresent reports whether image is already stored locally.
	ImagePresent(ctx context.Context, image string) (bool, error)

	// PullImage fetches image. The caller bounds it with ctx.
	PullImage(ctx context.Context, image string) error

	// Run blocks until the container exits and returns its exit code. A
	// non-nil error means the container could not be run to completion:
	// either it never started or ctx ended first.
	Run(ctx context.Context, spec ContainerSpec, stdout, stderr io.Writer) (int, error)

	// Kill force-stops the named container without waiting for teardown.
	Kill(ctx context.Context, name string) error

	// Remove force-removes the named container. Missing containers are not
	// an error.
	Remove(ctx context.Context, name string) error

	Close() error
}

// ManagedLabel marks containers started by this service.
const ManagedLabel = "code-runner.managed"

// DirectPrefix names containers started for direct (non agent) execution.
const DirectPrefix = "direct_execution"

// NewExecID returns the 8 hex character execution id used in container and
// output file names.
func NewExecID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ContainerName builds <prefix>_<language>_<id>.
func ContainerName(prefix, language, execID string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, language, execID)
}

// DirectContainerName builds direct_execution_<id>.
func DirectContainerName(execID string) string {
	return DirectPrefix + "_" + execID
}

// ResultFileName is the output file written for an execution.
func ResultFileName(execID string) string {
	return "result_" + execID + ".txt"
}

// ErrorFileName holds the diagnostic of a failed execution.
func ErrorFileName(execID string) string {
	return "error_" + execID + ".txt"
}
