package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/metrics"
	"github.com/examportal/coderunner/internal/workspace"
)

const (
	// SourceDir is where the workspace file is mounted read-only.
	SourceDir = "/sandbox/code"
	// WorkDir is a writable tmpfs that receives compiled binaries.
	WorkDir    = "/home/sandbox"
	binaryName = "main"

	containerPrefix    = "coderunner-"
	defaultOutputLimit = 1 << 20
	killTimeout        = 5 * time.Second
)

type Runner struct {
	runtime     Runtime
	logger      *zerolog.Logger
	outputLimit int
}

// NewRunner returns a runner that caps stdout and stderr at outputLimit bytes
// each. A non-positive limit means 1MB.
func NewRunner(rt Runtime, logger *zerolog.Logger, outputLimit int) *Runner {
	if outputLimit <= 0 {
		outputLimit = defaultOutputLimit
	}
	return &Runner{runtime: rt, logger: logger, outputLimit: outputLimit}
}

func paths(ws *workspace.Workspace) languages.Paths {
	return languages.Paths{
		Source: path.Join(SourceDir, ws.FileName),
		Binary: path.Join(WorkDir, binaryName),
		Dir:    WorkDir,
	}
}

// Start allocates and starts a fresh container for ws. The returned handle is
// non-nil even on error so teardown can release whatever was created.
func (r *Runner) Start(ctx context.Context, ws *workspace.Workspace, prof languages.Profile) (*Handle, error) {
	h := newHandle(containerPrefix+uuid.NewString(), ws)

	spec := ContainerSpec{
		Name:            h.Name,
		Image:           prof.Image,
		HostSourcePath:  ws.FilePath,
		SourcePath:      paths(ws).Source,
		WorkDir:         WorkDir,
		MemoryBytes:     prof.Limits.MemoryBytes,
		NanoCPUs:        int64(prof.Limits.CPUs * 1e9),
		PidsLimit:       prof.Limits.PidsLimit,
		NetworkDisabled: prof.NetworkDisabled,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelWorkspace: ws.ID,
		},
	}

	begin := time.Now()
	id, err := r.runtime.Create(ctx, spec)
	if err != nil {
		h.setState(StateFailed)
		return h, fmt.Errorf("%w: create container: %w", ErrInfra, err)
	}
	h.ContainerID = id
	h.setState(StateCreated)

	if err := r.runtime.Start(ctx, id); err != nil {
		h.setState(StateFailed)
		return h, fmt.Errorf("%w: start container: %w", ErrInfra, err)
	}
	h.markStarted()
	metrics.ContainerCreationTime.Observe(float64(time.Since(begin).Milliseconds()))

	r.logger.Debug().
		Str("container", h.Name).
		Str("image", prof.Image).
		Str("language", prof.ID).
		Msg("sandbox started")
	return h, nil
}

// Run executes the compile step (if any) and then the run step inside h.
// Failures of the submitted program are reported through the Outcome; the
// error is reserved for the runtime itself failing.
func (r *Runner) Run(ctx context.Context, h *Handle, prof languages.Profile) (Outcome, error) {
	if h == nil || !h.Started() {
		return Outcome{}, fmt.Errorf("%w: sandbox not started", ErrInfra)
	}
	p := paths(h.Workspace)

	if prof.HasCompileStep() {
		args, err := prof.CompileArgs(p)
		if err != nil {
			h.setState(StateFailed)
			return Outcome{}, fmt.Errorf("%w: %w", ErrInfra, err)
		}

		h.setState(StateCompiling)
		out, err := r.step(ctx, h, PhaseCompile, args, prof.Limits.CompileTimeout)
		metrics.ExecutionDuration.WithLabelValues(prof.ID, string(PhaseCompile)).Observe(float64(out.Duration.Milliseconds()))
		switch {
		case err != nil:
			h.setState(StateFailed)
			return out, err
		case out.TimedOut:
			h.setState(StateTimedOut)
			return out, nil
		case out.ExitCode != 0:
			h.setState(StateFailed)
			return out, nil
		}
	}

	args, err := prof.RunArgs(p)
	if err != nil {
		h.setState(StateFailed)
		return Outcome{}, fmt.Errorf("%w: %w", ErrInfra, err)
	}

	h.setState(StateRunning)
	out, err := r.step(ctx, h, PhaseRun, args, prof.Limits.RunTimeout)
	metrics.ExecutionDuration.WithLabelValues(prof.ID, string(PhaseRun)).Observe(float64(out.Duration.Milliseconds()))
	switch {
	case err != nil:
		h.setState(StateFailed)
		return out, err
	case out.TimedOut:
		h.setState(StateTimedOut)
	default:
		h.setState(StateCompleted)
	}
	return out, nil
}

func (r *Runner) step(ctx context.Context, h *Handle, phase Phase, args []string, timeout time.Duration) (Outcome, error) {
	stdout := newLimitedBuffer(r.outputLimit)
	stderr := newLimitedBuffer(r.outputLimit)

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	begin := time.Now()
	code, err := r.runtime.Exec(stepCtx, h.ContainerID, args, WorkDir, stdout, stderr)
	out := Outcome{
		Phase:     phase,
		ExitCode:  code,
		Duration:  time.Since(begin),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if err == nil {
		return out, nil
	}

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Info().
			Str("container", h.Name).
			Str("phase", string(phase)).
			Dur("timeout", timeout).
			Msg("sandbox step timed out, killing container")
		r.kill(h)
		out.TimedOut = true
		return out, nil
	}
	return out, fmt.Errorf("%w: %s step: %w", ErrInfra, phase, err)
}

// kill stops every process in the container. Waiting on the exec alone would
// leave the program running.
func (r *Runner) kill(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	err := r.runtime.Kill(ctx, h.ContainerID)
	if err != nil && !errors.Is(err, ErrContainerNotRunning) && !errors.Is(err, ErrContainerNotFound) {
		r.logger.Warn().Err(err).Str("container", h.Name).Msg("failed to kill timed out container")
	}
}
