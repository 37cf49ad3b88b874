// Package scheduler bounds how many edit jobs run at once and hands queued
// job IDs to workers, either in process or through asynq.
package scheduler

import "context"

// JobRunner processes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Dispatcher accepts queued jobs for execution.
type Dispatcher interface {
	// Start launches the workers. They stop when ctx is done.
	Start(ctx context.Context) error
	// Dispatch hands a queued job to the workers without waiting for it.
	Dispatch(ctx context.Context, jobID string) error
	// ActiveJobs is the number of jobs executing in this process.
	ActiveJobs() int64
	Close() error
}
