package scheduler

import (
	"context"
	"fmt"

	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/internal/store"
	"github.com/vidshift/api/pkg/logger"
)

// InterruptedDetail is recorded on jobs a previous process left running.
const InterruptedDetail = "interrupted by restart"

// RecoveryReport summarizes what Recover did.
type RecoveryReport struct {
	Failed   int
	Requeued int
}

// Recover settles jobs left behind by a previous process. When
// failRunning is set, processing jobs are failed; they are never retried
// because the source may have been half consumed. Queued jobs are
// dispatched again, oldest first. Pass failRunning=false when other live
// workers may own processing jobs.
func Recover(ctx context.Context, st store.Store, d Dispatcher, failRunning bool, log *logger.Logger) (RecoveryReport, error) {
	var report RecoveryReport
	log = log.WithComponent("recovery")

	if failRunning {
		running, err := st.List(ctx, model.JobStatusProcessing, 0)
		if err != nil {
			return report, fmt.Errorf("list processing jobs: %w", err)
		}
		for _, j := range running {
			if err := st.Fail(ctx, j.ID, InterruptedDetail); err != nil {
				log.WithJobID(j.ID).WithError(err).Warn("failed to settle interrupted job")
				continue
			}
			report.Failed++
		}
	}

	queued, err := st.List(ctx, model.JobStatusQueued, 0)
	if err != nil {
		return report, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, j := range queued {
		if err := d.Dispatch(ctx, j.ID); err != nil {
			log.WithJobID(j.ID).WithError(err).Warn("failed to re-queue job")
			if ferr := st.Fail(ctx, j.ID, "could not be re-queued after restart"); ferr != nil {
				log.WithJobID(j.ID).WithError(ferr).Warn("failed to settle job")
			}
			continue
		}
		report.Requeued++
	}

	if report.Failed > 0 || report.Requeued > 0 {
		log.Info("recovered jobs", "failed", report.Failed, "requeued", report.Requeued)
	}
	return report, nil
}
