// Package cleanup releases everything a single execution acquired: its
// container and its workspace file.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/metrics"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/workspace"
)

const defaultTimeout = 10 * time.Second

type Coordinator struct {
	runtime    sandbox.Runtime
	workspaces *workspace.Manager
	logger     *zerolog.Logger
	timeout    time.Duration
}

func NewCoordinator(rt sandbox.Runtime, workspaces *workspace.Manager, logger *zerolog.Logger, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		runtime:    rt,
		workspaces: workspaces,
		logger:     logger,
		timeout:    timeout,
	}
}

// Teardown stops and removes the container behind h, then deletes ws. Every
// step is attempted even if an earlier one failed; failures are logged and
// counted, never returned. h may be nil or only partially initialized.
// Calling Teardown again for the same handle and workspace is harmless.
func (c *Coordinator) Teardown(h *sandbox.Handle, ws *workspace.Workspace) {
	// The request context may already be cancelled; teardown must still run.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if h != nil && h.BeginTeardown() && h.ContainerID != "" {
		log := c.logger.With().Str("container", h.Name).Logger()

		if h.Started() {
			if err := c.runtime.Stop(ctx, h.ContainerID); err != nil && !ignorable(err) {
				metrics.CleanupFailures.WithLabelValues("stop").Inc()
				log.Warn().Err(err).Msg("failed to stop sandbox container")
			}
		}
		if err := c.runtime.Remove(ctx, h.ContainerID); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			metrics.CleanupFailures.WithLabelValues("remove").Inc()
			log.Error().Err(err).Msg("failed to remove sandbox container")
		}
	}

	if ws == nil && h != nil {
		ws = h.Workspace
	}
	if err := c.workspaces.Destroy(ws); err != nil {
		metrics.CleanupFailures.WithLabelValues("workspace").Inc()
		c.logger.Warn().Err(err).Str("workspace", ws.ID).Msg("failed to destroy workspace")
	}
}

func ignorable(err error) bool {
	return errors.Is(err, sandbox.ErrContainerNotFound) || errors.Is(err, sandbox.ErrContainerNotRunning)
}

// Reap removes containers and workspace files left behind by an earlier
// process that died before its teardowns ran. Only files older than
// staleAfter are swept so in-flight workspaces of a sibling process survive.
func (c *Coordinator) Reap(ctx context.Context, staleAfter time.Duration) error {
	ids, err := c.runtime.ListManaged(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := c.runtime.Remove(ctx, id); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			errs = append(errs, err)
			continue
		}
		metrics.ReapedResources.WithLabelValues("container").Inc()
	}

	n, err := c.workspaces.Sweep(staleAfter)
	if err != nil {
		errs = append(errs, err)
	}
	metrics.ReapedResources.WithLabelValues("workspace").Add(float64(n))

	c.logger.Info().
		Int("containers", len(ids)).
		Int("workspaces", n).
		Msg("reaped leftover sandbox resources")
	return errors.Join(errs...)
}
