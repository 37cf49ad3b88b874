package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/pipeline"
	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	"github.com/vidshift/api/pkg/logger"
)

// Progress checkpoints around the pipeline. Stage progress is spread over
// the range in between.
const (
	progressFetched  = 5
	progressPipeline = 90
	progressUpload   = 97
)

var errCancelled = errors.New("job cancelled")

// Notifier receives job events for push delivery.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, stage string)
	BroadcastComplete(jobID string)
	BroadcastError(jobID string, code, message string)
}

// Runner executes a transformation pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// EditWorker processes edit jobs
type EditWorker struct {
	store    store.Store
	objects  storage.ObjectStore
	pipeline Runner
	hub      Notifier
	workDir  string
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewEditWorker creates a new edit worker. timeout <= 0 disables the
// per-job deadline.
func NewEditWorker(st store.Store, objects storage.ObjectStore, p Runner, hub Notifier, workDir string, timeout time.Duration, log *logger.Logger) *EditWorker {
	return &EditWorker{
		store:    st,
		objects:  objects,
		pipeline: p,
		hub:      hub,
		workDir:  workDir,
		timeout:  timeout,
		log:      log.WithComponent("worker"),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// Interrupt stops a job running in this process. It reports whether the
// job was found.
func (w *EditWorker) Interrupt(jobID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		cancel(errCancelled)
	}
	return ok
}

func (w *EditWorker) track(jobID string, cancel context.CancelCauseFunc) func() {
	w.mu.Lock()
	w.running[jobID] = cancel
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.running, jobID)
		w.mu.Unlock()
	}
}

// Run takes a queued job through the pipeline to a terminal state. A job
// that is no longer queued is skipped. The returned error is the failure
// already recorded on the job.
func (w *EditWorker) Run(ctx context.Context, jobID string) (err error) {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := w.log.WithJobID(jobID)

	job, err := w.store.Start(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrNotFound) {
			log.Info("skipping job", "reason", err.Error())
			return nil
		}
		return fmt.Errorf("failed to start job: %w", err)
	}
	log.Info("starting edit job", "action", job.Params.Action)
	w.hub.BroadcastProgress(jobID, 0, model.JobStatusProcessing, "")

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if w.timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, w.timeout)
		defer cancelTimeout()
	}
	defer w.track(jobID, cancel)()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in edit job", "panic", r, "stack", string(debug.Stack()))
			err = w.finish(ctx, jobCtx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	return w.finish(ctx, jobCtx, job, w.process(jobCtx, job, cancel))
}

func (w *EditWorker) process(ctx context.Context, job model.Job, cancel context.CancelCauseFunc) error {
	dir, err := os.MkdirTemp(w.workDir, "job-"+job.ID+"-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "source"+filepath.Ext(job.SourceRef))
	if err := storage.FetchToFile(ctx, w.objects, job.SourceRef, input); err != nil {
		return fmt.Errorf("failed to fetch source: %w", err)
	}
	w.updateProgress(ctx, job.ID, progressFetched, "", cancel)

	res, err := w.pipeline.Run(ctx, pipeline.Request{
		Params:    job.Params,
		InputPath: input,
		WorkDir:   dir,
		OnProgress: func(stage pipeline.Stage, done, total int) {
			p := progressFetched + progressPipeline*done/total
			w.updateProgress(ctx, job.ID, p, stage.Name, cancel)
		},
	})
	if err != nil {
		return err
	}

	w.updateProgress(ctx, job.ID, progressUpload, "upload", cancel)
	format := job.Params.OutputFormat
	ref, err := storage.PutFile(ctx, w.objects, storage.ResultKey(job.ID, string(format)), res.OutputPath, format.ContentType())
	if err != nil {
		return fmt.Errorf("failed to upload result: %w", err)
	}

	if err := w.store.Complete(context.WithoutCancel(ctx), job.ID, ref); err != nil {
		// Cancelled while uploading: the job stays cancelled and the
		// orphaned result goes.
		if delErr := w.objects.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			w.log.WithJobID(job.ID).WithError(delErr).Warn("failed to delete orphaned result")
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// updateProgress records stage progress. A rejected update means the job
// left processing behind our back (cancelled) or the worker misbehaved;
// either way the run stops.
func (w *EditWorker) updateProgress(ctx context.Context, jobID string, progress int, stage string, cancel context.CancelCauseFunc) {
	err := w.store.Advance(ctx, jobID, progress, stage)
	if err == nil {
		w.hub.BroadcastProgress(jobID, progress, model.JobStatusProcessing, stage)
		return
	}
	if ctx.Err() != nil {
		return
	}

	cur, getErr := w.store.Get(ctx, jobID)
	if getErr == nil && cur.Status.IsTerminal() {
		cancel(errCancelled)
		return
	}
	w.log.WithJobID(jobID).WithError(err).Error("progress update rejected", "progress", progress, "stage", stage)
	cancel(fmt.Errorf("progress update rejected: %w", err))
}

// finish records the outcome of process on the job.
func (w *EditWorker) finish(ctx, jobCtx context.Context, job model.Job, runErr error) error {
	log := w.log.WithJobID(job.ID)
	if runErr == nil {
		log.Info("edit job completed")
		w.hub.BroadcastComplete(job.ID)
		return nil
	}

	code := apperr.CodeOf(runErr)
	detail := runErr.Error()
	switch cause := context.Cause(jobCtx); {
	case errors.Is(cause, errCancelled):
		log.Info("edit job cancelled")
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		code = apperr.CodeTimeout
		detail = fmt.Sprintf("timed out after %s", w.timeout)
	case ctx.Err() != nil:
		detail = "interrupted by shutdown"
	case cause != nil:
		detail = cause.Error()
	}

	// The store is consulted with a fresh context: the job context is
	// usually done by now.
	bg := context.WithoutCancel(ctx)
	if err := w.store.Fail(bg, job.ID, detail); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			log.Info("job already terminal, keeping its state", "error", detail)
			return nil
		}
		log.WithError(err).Error("failed to mark job as failed")
	}
	log.Warn("edit job failed", "error", detail, "code", code)
	w.hub.BroadcastError(job.ID, string(code), detail)
	return runErr
}
