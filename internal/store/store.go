// Package store owns job records for their whole lifecycle. Every backend
// serializes writes per job and enforces the same transition table.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
)

// MaxRunningProgress is the highest progress a processing job can report.
// 100 is reserved for completed.
const MaxRunningProgress = 99

// CancelledDetail is the error detail recorded on client cancellation.
const CancelledDetail = "cancelled by client"

// Store is the single source of truth for job state.
type Store interface {
	// Create records a queued job with progress 0.
	Create(ctx context.Context, params model.ParameterSet, sourceRef string) (model.Job, error)
	// Start moves a queued job to processing and returns the new snapshot.
	Start(ctx context.Context, id string) (model.Job, error)
	// Advance records progress of a processing job. Progress must stay in
	// [0, 99] and never decrease.
	Advance(ctx context.Context, id string, progress int, stage string) error
	// Complete sets the result reference and progress 100.
	Complete(ctx context.Context, id, resultRef string) error
	// Fail records a terminal failure with a human-readable detail.
	Fail(ctx context.Context, id, detail string) error
	// Cancel moves a queued or processing job to cancelled.
	Cancel(ctx context.Context, id string) (model.Job, error)
	Get(ctx context.Context, id string) (model.Job, error)
	// List returns jobs in status, oldest first. limit <= 0 means all.
	List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error)
	// DeleteTerminalBefore removes terminal jobs completed before t and
	// returns what was removed.
	DeleteTerminalBefore(ctx context.Context, t time.Time) ([]model.Job, error)
	Close() error
}

func newJob(params model.ParameterSet, sourceRef string, now time.Time) model.Job {
	return model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusQueued,
		Params:    params,
		SourceRef: sourceRef,
		CreatedAt: now.UTC(),
	}
}

// The helpers below apply one transition to an in-memory record. Memory
// and Redis backends share them; SQLite encodes the same rules in SQL.

func applyStart(j *model.Job, now time.Time) error {
	if !model.CanTransition(j.Status, model.JobStatusProcessing) {
		return apperr.InvalidTransition("store.start", j.ID, string(j.Status), string(model.JobStatusProcessing))
	}
	t := now.UTC()
	j.Status = model.JobStatusProcessing
	j.Progress = 0
	j.StartedAt = &t
	return nil
}

func applyAdvance(j *model.Job, progress int, stage string) error {
	if j.Status != model.JobStatusProcessing {
		return apperr.InvalidTransition("store.advance", j.ID, string(j.Status), "progress")
	}
	if err := checkProgress(j.ID, j.Progress, progress); err != nil {
		return err
	}
	j.Progress = progress
	if stage != "" {
		j.CurrentStage = stage
	}
	return nil
}

func checkProgress(id string, current, next int) error {
	if next < 0 || next > MaxRunningProgress {
		return apperr.New(apperr.CodeInvalidTransition, "store.advance",
			fmt.Sprintf("job %s: progress %d outside [0, %d]", id, next, MaxRunningProgress))
	}
	if next < current {
		return apperr.New(apperr.CodeInvalidTransition, "store.advance",
			fmt.Sprintf("job %s: progress cannot go from %d to %d", id, current, next))
	}
	return nil
}

func applyComplete(j *model.Job, resultRef string, now time.Time) error {
	if resultRef == "" {
		return apperr.New(apperr.CodeInternal, "store.complete", "result reference is required")
	}
	if !model.CanTransition(j.Status, model.JobStatusCompleted) {
		return apperr.InvalidTransition("store.complete", j.ID, string(j.Status), string(model.JobStatusCompleted))
	}
	t := now.UTC()
	j.Status = model.JobStatusCompleted
	j.Progress = 100
	j.ResultRef = resultRef
	j.Error = ""
	j.CompletedAt = &t
	return nil
}

func applyFail(j *model.Job, detail string, now time.Time) error {
	if !model.CanTransition(j.Status, model.JobStatusFailed) {
		return apperr.InvalidTransition("store.fail", j.ID, string(j.Status), string(model.JobStatusFailed))
	}
	t := now.UTC()
	j.Status = model.JobStatusFailed
	j.Error = failureDetail(detail)
	j.ResultRef = ""
	j.CompletedAt = &t
	return nil
}

func applyCancel(j *model.Job, now time.Time) error {
	if !model.CanTransition(j.Status, model.JobStatusCancelled) {
		return apperr.InvalidTransition("store.cancel", j.ID, string(j.Status), string(model.JobStatusCancelled))
	}
	t := now.UTC()
	j.Status = model.JobStatusCancelled
	j.Error = CancelledDetail
	j.ResultRef = ""
	j.CompletedAt = &t
	return nil
}

func failureDetail(detail string) string {
	if detail == "" {
		return "job failed"
	}
	return detail
}
