package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ImageWarmer pulls runtime images ahead of the first execution so the first
// request for a language does not pay for the pull.
type ImageWarmer struct {
	runner      *Runner
	parallelism int

	mu     sync.Mutex
	status map[string]error // image -> last pull result
}

func NewImageWarmer(runner *Runner, parallelism int) *ImageWarmer {
	if parallelism < 1 {
		parallelism = 2
	}
	return &ImageWarmer{
		runner:      runner,
		parallelism: parallelism,
		status:      make(map[string]error),
	}
}

// Warm ensures every registered runtime image is present. A failed image does
// not stop the others; Warm returns the first failure.
func (w *ImageWarmer) Warm(ctx context.Context) error {
	images := w.runner.Runtimes().Images()
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(w.parallelism)
	for _, image := range images {
		g.Go(func() error {
			err := w.runner.EnsureImage(ctx, image)
			w.mu.Lock()
			w.status[image] = err
			w.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("image", image).Msg("image warm-up failed")
			}
			return err
		})
	}
	err := g.Wait()

	log.Info().
		Strs("images", images).
		Dur("elapsed", time.Since(start)).
		Bool("ok", err == nil).
		Msg("runtime images warmed")
	return err
}

// Status returns the last pull result per image; nil means ready.
func (w *ImageWarmer) Status() map[string]error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]error, len(w.status))
	for k, v := range w.status {
		out[k] = v
	}
	return out
}
