package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/examportal/coderunner/internal/executor"
	"github.com/examportal/coderunner/internal/metrics"
	"github.com/examportal/coderunner/internal/result"
)

var ErrQueueFull = errors.New("execution queue is full")

// Job is one queued execution. Result and Err are buffered so a worker never
// blocks on a caller that has gone away.
type Job struct {
	ID      string
	Request executor.Request
	Result  chan result.ExecutionResult
	Err     chan error
	Ctx     context.Context
}

func NewJob(ctx context.Context, req executor.Request) *Job {
	return &Job{
		ID:      "job-" + uuid.NewString(),
		Request: req,
		Result:  make(chan result.ExecutionResult, 1),
		Err:     make(chan error, 1),
		Ctx:     ctx,
	}
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

// Submit enqueues job without blocking; a full queue is reported as
// ErrQueueFull so callers can shed load.
func (m *Manager) Submit(job *Job) error {
	select {
	case m.jobQueue <- job:
		m.UpdateQueueMetric()
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Len() int {
	return len(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
