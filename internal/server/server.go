package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/examportal/coderunner/internal/api"
	"github.com/examportal/coderunner/internal/cleanup"
	"github.com/examportal/coderunner/internal/config"
	"github.com/examportal/coderunner/internal/executor"
	"github.com/examportal/coderunner/internal/languages"
	"github.com/examportal/coderunner/internal/limiter"
	"github.com/examportal/coderunner/internal/queue"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/worker"
	"github.com/examportal/coderunner/internal/workspace"
)

const (
	// Workspace files younger than this may belong to a sibling process.
	staleWorkspaceAge = 10 * time.Minute
	pullConcurrency   = 4
	limiterSweep      = 5 * time.Minute
	limiterIdle       = 10 * time.Minute
)

// Stack is the execution core shared by the HTTP server and the CLI.
type Stack struct {
	Registry *languages.Registry
	Cleanup  *cleanup.Coordinator
	Executor *executor.Executor
}

func Build(conf *config.Config, rt sandbox.Runtime, logger *zerolog.Logger) (*Stack, error) {
	profiles, err := conf.Profiles()
	if err != nil {
		return nil, err
	}
	registry, err := languages.NewRegistry(profiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to build language registry: %w", err)
	}
	outputLimit, err := conf.Sandbox.OutputLimitBytes()
	if err != nil {
		return nil, err
	}
	maxSource, err := conf.Sandbox.MaxSourceBytes()
	if err != nil {
		return nil, err
	}

	ws := workspace.NewManager(conf.Sandbox.TempDir, logger)
	runner := sandbox.NewRunner(rt, logger, int(outputLimit))
	coordinator := cleanup.NewCoordinator(rt, ws, logger, conf.Sandbox.TeardownTimeout)
	exec := executor.NewExecutor(registry, ws, runner, coordinator, logger, int(maxSource))

	return &Stack{
		Registry: registry,
		Cleanup:  coordinator,
		Executor: exec,
	}, nil
}

// Prepare pulls missing language images in parallel and, when configured,
// reaps sandboxes left behind by a previous run.
func (st *Stack) Prepare(ctx context.Context, conf *config.Config, rt sandbox.Runtime) error {
	if conf.Sandbox.ReapOnStart {
		if err := st.Cleanup.Reap(ctx, staleWorkspaceAge); err != nil {
			return fmt.Errorf("failed to reap leftover sandboxes: %w", err)
		}
	}
	if !conf.Sandbox.PullImages {
		return nil
	}

	images := make(map[string]bool)
	for _, p := range st.Registry.List() {
		images[p.Image] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pullConcurrency)
	for img := range images {
		img := img
		g.Go(func() error {
			return rt.EnsureImage(gctx, img)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to ensure docker images: %w", err)
	}
	return nil
}

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	runtime     sandbox.Runtime
	stack       *Stack
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(
	conf *config.Config,
	rt sandbox.Runtime,
	logger *zerolog.Logger,
) (*Server, error) {
	stack, err := Build(conf, rt, logger)
	if err != nil {
		return nil, err
	}
	maxBody, err := conf.Server.MaxBodyBytes()
	if err != nil {
		return nil, err
	}

	q := queue.NewManager(conf.Workers.QueueCapacity)
	rl := limiter.NewRateLimiter(
		conf.Limiter.GlobalRPS,
		conf.Limiter.PerIPRPS,
		conf.Limiter.PerIPBurst,
		conf.Limiter.MaxConcurrent,
	)
	handler := api.NewHandler(q, stack.Executor, logger, conf.Server.RequestTimeout, maxBody)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/languages", handler.Languages)
	mux.HandleFunc("/execute", rl.Middleware(handler.Execute))
	mux.HandleFunc("/execute-test", rl.Middleware(handler.ExecuteTest))

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	workers := make([]*worker.Worker, conf.Workers.Count)
	for i := range workers {
		workers[i] = worker.NewWorker(i, stack.Executor, q, logger)
	}

	return &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		runtime:     rt,
		stack:       stack,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}, nil
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	if err := s.stack.Prepare(context.Background(), s.conf, s.runtime); err != nil {
		return err
	}
	s.startBackground()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	for _, w := range s.workers {
		go w.Start(ctx)
	}
	s.rateLimiter.StartCleanup(ctx, limiterSweep, limiterIdle)
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	// Workers stop after in-flight requests have drained.
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if c, ok := s.runtime.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close container runtime client")
		}
	}
	return nil
}
