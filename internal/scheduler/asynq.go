package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/worker"
	"github.com/vidshift/api/pkg/logger"
)

// QueueEdits is the asynq queue edit tasks are enqueued on.
const QueueEdits = "edits"

// asynq kills a task at its own deadline; give the worker's timeout room
// to fire first so the failure detail is ours.
const asynqTimeoutGrace = time.Minute

// TaskProcessor handles one asynq task.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, t *asynq.Task) error
}

// AsynqDispatcher queues jobs in Redis through asynq. Any process running
// Start with the same Redis picks them up.
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	processor TaskProcessor
	timeout   time.Duration
	active    atomic.Int64
	log       *logger.Logger
}

func NewAsynqDispatcher(opt asynq.RedisClientOpt, capacity int, timeout time.Duration, processor TaskProcessor, logLevel string, log *logger.Logger) *AsynqDispatcher {
	log = log.WithComponent("asynq")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: capacity,
		Queues: map[string]int{
			QueueEdits: 1,
		},
		Logger:   asynqLogger{log},
		LogLevel: asynqLogLevel(logLevel),
	})
	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		server:    srv,
		processor: processor,
		timeout:   timeout,
		log:       log,
	}
}

func (d *AsynqDispatcher) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeEdit, d.handle)
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	go func() {
		<-ctx.Done()
		d.server.Shutdown()
	}()
	return nil
}

func (d *AsynqDispatcher) handle(ctx context.Context, t *asynq.Task) error {
	d.active.Add(1)
	defer d.active.Add(-1)
	return d.processor.ProcessTask(ctx, t)
}

// Dispatch enqueues the job once; the job ID doubles as the task ID so a
// re-dispatch of a job still in the queue is a no-op.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := worker.NewEditTask(jobID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueEdits),
		asynq.MaxRetry(0),
		asynq.TaskID(jobID),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout+asynqTimeoutGrace))
	}

	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeResourceExhausted, "scheduler.dispatch", fmt.Errorf("failed to enqueue task: %w", err))
	}
	return nil
}

func (d *AsynqDispatcher) ActiveJobs() int64 {
	return d.active.Load()
}

func (d *AsynqDispatcher) Close() error {
	d.server.Shutdown()
	return d.client.Close()
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq's own logging through the service logger.
type asynqLogger struct {
	l *logger.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
