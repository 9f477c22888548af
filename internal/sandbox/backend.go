package sandbox

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/config"
)

// NewLauncher picks the backend named by sandbox.backend. "auto" prefers the
// docker CLI, whose flags callers depend on, and falls back to containerd on
// Linux when no docker daemon answers.
func NewLauncher(ctx context.Context, cfg *config.Config) (Launcher, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "docker":
		return newDockerLauncher(cfg)
	case "containerd":
		return newContainerdLauncher(ctx, cfg)
	case "auto":
		launcher, err := newDockerLauncher(cfg)
		if err == nil {
			if err = launcher.Available(ctx); err == nil {
				log.Info().Msg("using docker backend")
				return launcher, nil
			}
			_ = launcher.Close()
		}
		log.Warn().Err(err).Msg("docker unavailable")

		if goruntime.GOOS == "linux" {
			cl, cerr := newContainerdLauncher(ctx, cfg)
			if cerr == nil {
				log.Info().Msg("using containerd backend")
				return cl, nil
			}
			log.Warn().Err(cerr).Msg("containerd unavailable")
		}
		return nil, fmt.Errorf("%w: install Docker or run containerd", ErrSandboxUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, docker, or containerd", preference)
	}
}

func newDockerLauncher(cfg *config.Config) (*DockerLauncher, error) {
	return NewDockerLauncher(DockerOptions{
		Binary:         cfg.Sandbox.DockerBinary,
		OrphanPrefixes: []string{cfg.Sandbox.ContainerPrefix, DirectPrefix},
		OrphanInterval: cfg.Sandbox.OrphanInterval,
		OrphanMaxAge:   cfg.Sandbox.OrphanMaxAge,
		StrictSeccomp:  cfg.Sandbox.StrictSeccomp,
	})
}

func newContainerdLauncher(ctx context.Context, cfg *config.Config) (*ContainerdLauncher, error) {
	launcher, err := NewContainerdLauncher(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	cleaned, err := launcher.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return launcher, nil
}

// OptionsFromConfig maps the sandbox section onto runner options.
func OptionsFromConfig(cfg *config.Config) Options {
	l := cfg.Sandbox.DefaultLimits
	return Options{
		ContainerPrefix: cfg.Sandbox.ContainerPrefix,
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
		MaxTimeout:      cfg.Sandbox.MaxTimeout,
		PullTimeout:     cfg.Sandbox.PullTimeout,
		MaxConcurrent:   cfg.Sandbox.MaxConcurrent,
		OutputLimit:     cfg.Sandbox.OutputLimit,
		Limits: ResourceLimits{
			CPUShares: l.CPUShares,
			MemoryMB:  l.MemoryMB,
			PidsLimit: l.PidsLimit,
			DiskMB:    l.DiskMB,
		},
	}
}
