package service

import (
	"context"
	"time"

	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	"github.com/vidshift/api/pkg/logger"
)

// Sweeper removes terminal jobs older than the retention window together
// with their source and result objects.
type Sweeper struct {
	store     store.Store
	objects   storage.ObjectStore
	retention time.Duration
	interval  time.Duration
	log       *logger.Logger
}

func NewSweeper(st store.Store, objects storage.ObjectStore, retention, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		objects:   objects,
		retention: retention,
		interval:  interval,
		log:       log.WithComponent("sweeper"),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil {
				s.log.WithError(err).Warn("sweep failed")
			}
		}
	}
}

// Sweep deletes jobs that finished before now minus the retention window
// and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.store.DeleteTerminalBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}

	for _, j := range removed {
		for _, ref := range []string{j.SourceRef, j.ResultRef} {
			if ref == "" {
				continue
			}
			if err := s.objects.Delete(ctx, ref); err != nil {
				s.log.WithJobID(j.ID).WithError(err).Warn("failed to delete object", "ref", ref)
			}
		}
	}
	if len(removed) > 0 {
		s.log.Info("swept expired jobs", "count", len(removed))
	}
	return len(removed), nil
}
