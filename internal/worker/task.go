package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const TaskTypeEdit = "edit:process"

type editTaskPayload struct {
	JobID string `json:"jobId"`
}

// NewEditTask builds the asynq task that carries a job ID to a worker.
func NewEditTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(editTaskPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeEdit, payload), nil
}

// ProcessTask handles edit task processing
func (w *EditWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p editTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
		return fmt.Errorf("invalid edit task payload: %v: %w", err, asynq.SkipRetry)
	}

	// The failure is already on the job record; retrying would re-run a
	// terminal job.
	if err := w.Run(ctx, p.JobID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
