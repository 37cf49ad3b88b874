package model

import "time"

// Job is one edit request tracked through its lifecycle. Values returned by
// the store are snapshots; mutating them has no effect on the stored record.
type Job struct {
	ID           string       `json:"id"`
	Status       JobStatus    `json:"status"`
	Progress     int          `json:"progress"`
	CurrentStage string       `json:"current_stage,omitempty"`
	Params       ParameterSet `json:"params"`
	SourceRef    string       `json:"source_ref"`
	ResultRef    string       `json:"result_ref,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// SubmitResponse is returned by an asynchronous submission.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStatusResponse is the polling view of a job.
type JobStatusResponse struct {
	JobID        string     `json:"job_id"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStage string     `json:"stage,omitempty"`
	Error        *string    `json:"error,omitempty"`
	OutputFormat string     `json:"output_format"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewJobStatusResponse projects a job onto its polling view.
func NewJobStatusResponse(j Job) *JobStatusResponse {
	resp := &JobStatusResponse{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		OutputFormat: string(j.Params.OutputFormat),
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	if j.Error != "" {
		msg := j.Error
		resp.Error = &msg
	}
	return resp
}

// CancelResponse is returned by a successful cancellation.
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
}

// HealthSnapshot is a point-in-time read of process resources.
type HealthSnapshot struct {
	MemoryUsage float64   `json:"memory_usage"`
	CPUUsage    float64   `json:"cpu_usage"`
	ActiveJobs  int64     `json:"active_jobs"`
	SampledAt   time.Time `json:"sampled_at"`
}

// MediaInfo is the probed shape of a media file.
type MediaInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration"`
	FPS      float64 `json:"fps"`
	HasAudio bool    `json:"has_audio"`
}
