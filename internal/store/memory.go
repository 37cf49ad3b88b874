package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
)

// MemoryStore keeps jobs in process memory. Records do not survive a
// restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, params model.ParameterSet, sourceRef string) (model.Job, error) {
	j := newJob(params, sourceRef, s.now())

	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()

	return j, nil
}

// update runs fn against the live record under the write lock. fn either
// mutates it fully or leaves it untouched.
func (s *MemoryStore) update(op, id string, fn func(j *model.Job) error) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return model.Job{}, apperr.NotFound(op, id)
	}
	next := *cur
	if err := fn(&next); err != nil {
		return model.Job{}, err
	}
	*cur = next
	return next, nil
}

func (s *MemoryStore) Start(ctx context.Context, id string) (model.Job, error) {
	return s.update("store.start", id, func(j *model.Job) error {
		return applyStart(j, s.now())
	})
}

func (s *MemoryStore) Advance(ctx context.Context, id string, progress int, stage string) error {
	_, err := s.update("store.advance", id, func(j *model.Job) error {
		return applyAdvance(j, progress, stage)
	})
	return err
}

func (s *MemoryStore) Complete(ctx context.Context, id, resultRef string) error {
	_, err := s.update("store.complete", id, func(j *model.Job) error {
		return applyComplete(j, resultRef, s.now())
	})
	return err
}

func (s *MemoryStore) Fail(ctx context.Context, id, detail string) error {
	_, err := s.update("store.fail", id, func(j *model.Job) error {
		return applyFail(j, detail, s.now())
	})
	return err
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) (model.Job, error) {
	return s.update("store.cancel", id, func(j *model.Job) error {
		return applyCancel(j, s.now())
	})
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, apperr.NotFound("store.get", id)
	}
	return *j, nil
}

func (s *MemoryStore) List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	s.mu.RLock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	s.mu.RUnlock()

	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, t time.Time) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []model.Job
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(t) {
			removed = append(removed, *j)
			delete(s.jobs, id)
		}
	}
	sortByCreated(removed)
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByCreated(jobs []model.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
