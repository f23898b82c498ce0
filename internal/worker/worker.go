package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/executor"
	"github.com/examportal/coderunner/internal/metrics"
	"github.com/examportal/coderunner/internal/queue"
	"github.com/examportal/coderunner/internal/result"
)

// Executor is the part of executor.Executor a worker needs.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (result.ExecutionResult, error)
}

type Worker struct {
	id       int
	executor Executor
	manager  *queue.Manager
	logger   *zerolog.Logger
}

func NewWorker(id int, exec Executor, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		executor: exec,
		manager:  manager,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	log := w.logger.With().Int("worker_id", w.id).Str("job_id", job.ID).Logger()

	// Nobody is waiting any more; don't spend a container on it.
	if err := job.Ctx.Err(); err != nil {
		log.Debug().Err(err).Msg("skipping abandoned job")
		job.Err <- err
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("execution panicked")
			job.Err <- fmt.Errorf("execution panicked: %v", r)
		}
	}()

	log.Debug().Str("language", job.Request.Language).Msg("processing job")
	res, err := w.executor.Execute(job.Ctx, job.Request)
	if err != nil {
		job.Err <- err
		return
	}
	job.Result <- res
}
