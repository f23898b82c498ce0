package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/cleanup"
	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/metrics"
	"github.com/examportal/coderunner/internal/result"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/workspace"
)

var ErrInvalidRequest = errors.New("invalid execution request")

type Request struct {
	SourceCode string
	Language   string
}

type Executor struct {
	registry      *languages.Registry
	workspaces    *workspace.Manager
	runner        *sandbox.Runner
	cleanup       *cleanup.Coordinator
	logger        *zerolog.Logger
	maxSourceSize int
}

func NewExecutor(
	registry *languages.Registry,
	workspaces *workspace.Manager,
	runner *sandbox.Runner,
	coordinator *cleanup.Coordinator,
	logger *zerolog.Logger,
	maxSourceSize int,
) *Executor {
	return &Executor{
		registry:      registry,
		workspaces:    workspaces,
		runner:        runner,
		cleanup:       coordinator,
		logger:        logger,
		maxSourceSize: maxSourceSize,
	}
}

func (e *Executor) Languages() []languages.Profile {
	return e.registry.List()
}

// Execute compiles and runs req inside a fresh sandbox. It returns an error
// only when the request is rejected before any resource is allocated
// (ErrInvalidRequest, languages.ErrUnsupportedLanguage). Every other failure,
// including the container runtime being down, comes back as a result.
func (e *Executor) Execute(ctx context.Context, req Request) (res result.ExecutionResult, err error) {
	if strings.TrimSpace(req.Language) == "" {
		return res, fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SourceCode) == "" {
		return res, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if e.maxSourceSize > 0 && len(req.SourceCode) > e.maxSourceSize {
		return res, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, e.maxSourceSize)
	}

	prof, err := e.registry.Resolve(req.Language)
	if err != nil {
		return res, err
	}

	begin := time.Now()
	log := e.logger.With().Str("language", prof.ID).Logger()

	ws, err := e.workspaces.Create(req.SourceCode, prof.FileExtension)
	if err != nil {
		return e.infra(log, err), nil
	}

	var h *sandbox.Handle
	defer func() {
		e.cleanup.Teardown(h, ws)
		metrics.ExecutionsTotal.WithLabelValues(prof.ID, string(res.ExitClass)).Inc()
		metrics.ExecutionDuration.WithLabelValues(prof.ID, "total").Observe(float64(time.Since(begin).Milliseconds()))
	}()

	// Once a sandbox is allocated only the per-step limits may stop it; a
	// caller that goes away does not turn the execution into an infra failure.
	runCtx := context.WithoutCancel(ctx)

	h, err = e.runner.Start(runCtx, ws, prof)
	if err != nil {
		return e.infra(log, err), nil
	}

	out, err := e.runner.Run(runCtx, h, prof)
	if err != nil {
		return e.infra(log, err), nil
	}

	res = result.Normalize(out)
	res.Duration = time.Since(begin)

	log.Info().
		Str("workspace", ws.ID).
		Str("exit_class", string(res.ExitClass)).
		Int("exit_code", res.ExitCode).
		Bool("truncated", out.Truncated).
		Dur("duration", res.Duration).
		Msg("execution finished")
	return res, nil
}

func (e *Executor) infra(log zerolog.Logger, err error) result.ExecutionResult {
	metrics.InfraErrors.Inc()
	log.Error().Err(err).Msg("sandbox infrastructure failure")
	return result.Infra()
}
