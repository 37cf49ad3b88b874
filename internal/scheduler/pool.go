package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/pkg/logger"
)

// Pool runs jobs on a fixed set of goroutines fed by a bounded FIFO.
type Pool struct {
	jobs     chan string
	capacity int
	runner   JobRunner
	active   atomic.Int64
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewPool creates a pool of capacity workers behind a queue of queueSize.
func NewPool(capacity, queueSize int, runner JobRunner, log *logger.Logger) *Pool {
	return &Pool{
		jobs:     make(chan string, queueSize),
		capacity: capacity,
		runner:   runner,
		log:      log.WithComponent("pool"),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.capacity; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
	p.log.Info("worker pool started", "capacity", p.capacity, "queue_size", cap(p.jobs))
	return nil
}

// Dispatch enqueues a job ID. A full queue is reported as resource
// exhaustion instead of blocking the submitter.
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return apperr.New(apperr.CodeResourceExhausted, "scheduler.dispatch",
			fmt.Sprintf("job queue is full (%d waiting)", cap(p.jobs)))
	}
}

func (p *Pool) ActiveJobs() int64 {
	return p.active.Load()
}

// Queued is the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Close waits for running jobs after the Start context is done.
func (p *Pool) Close() error {
	p.wg.Wait()
	return nil
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.jobs:
			p.process(ctx, jobID)
		}
	}
}

func (p *Pool) process(ctx context.Context, jobID string) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.log.WithJobID(jobID).Error("panic in job runner", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := p.runner.Run(ctx, jobID); err != nil {
		p.log.WithJobID(jobID).WithError(err).Warn("job finished with error")
	}
}
