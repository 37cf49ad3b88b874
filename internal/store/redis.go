package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
)

const (
	redisJobPrefix = "job:"
	redisJobIndex  = "jobs:created"

	// optimistic transactions give up after this many WATCH conflicts
	maxTxRetries = 64
)

// RedisStore keeps each job as a JSON document under job:<id> with a TTL,
// plus a sorted set of ids scored by creation time for listing.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{redis: client, ttl: ttl, now: time.Now}
}

func jobKey(id string) string { return redisJobPrefix + id }

func (s *RedisStore) Create(ctx context.Context, params model.ParameterSet, sourceRef string) (model.Job, error) {
	j := newJob(params, sourceRef, s.now())
	data, err := json.Marshal(j)
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(j.ID), data, s.ttl)
		pipe.ZAdd(ctx, redisJobIndex, redis.Z{Score: float64(j.CreatedAt.UnixMicro()), Member: j.ID})
		return nil
	})
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	return j, nil
}

// update applies fn inside WATCH/MULTI so concurrent writers to one job
// are serialized.
func (s *RedisStore) update(ctx context.Context, op, id string, fn func(j *model.Job) error) (model.Job, error) {
	key := jobKey(id)
	var out model.Job

	txf := func(tx *redis.Tx) error {
		j, err := s.read(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return model.Job{}, apperr.New(apperr.CodeConflict, op, fmt.Sprintf("job %s: too many concurrent updates", id))
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, op, id string) (model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Job{}, apperr.NotFound(op, id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return model.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return j, nil
}

func (s *RedisStore) Start(ctx context.Context, id string) (model.Job, error) {
	return s.update(ctx, "store.start", id, func(j *model.Job) error {
		return applyStart(j, s.now())
	})
}

func (s *RedisStore) Advance(ctx context.Context, id string, progress int, stage string) error {
	_, err := s.update(ctx, "store.advance", id, func(j *model.Job) error {
		return applyAdvance(j, progress, stage)
	})
	return err
}

func (s *RedisStore) Complete(ctx context.Context, id, resultRef string) error {
	_, err := s.update(ctx, "store.complete", id, func(j *model.Job) error {
		return applyComplete(j, resultRef, s.now())
	})
	return err
}

func (s *RedisStore) Fail(ctx context.Context, id, detail string) error {
	_, err := s.update(ctx, "store.fail", id, func(j *model.Job) error {
		return applyFail(j, detail, s.now())
	})
	return err
}

func (s *RedisStore) Cancel(ctx context.Context, id string) (model.Job, error) {
	return s.update(ctx, "store.cancel", id, func(j *model.Job) error {
		return applyCancel(j, s.now())
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (model.Job, error) {
	return s.read(ctx, s.redis, "store.get", id)
}

// scan walks the index oldest first up to max score, dropping ids whose
// record has already expired.
func (s *RedisStore) scan(ctx context.Context, max string, visit func(j model.Job) bool) error {
	ids, err := s.redis.ZRangeByScore(ctx, redisJobIndex, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return fmt.Errorf("failed to read job index: %w", err)
	}
	for _, id := range ids {
		j, err := s.read(ctx, s.redis, "store.scan", id)
		if errors.Is(err, apperr.ErrNotFound) {
			s.redis.ZRem(ctx, redisJobIndex, id)
			continue
		}
		if err != nil {
			return err
		}
		if !visit(j) {
			return nil
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	var out []model.Job
	err := s.scan(ctx, "+inf", func(j model.Job) bool {
		if j.Status == status {
			out = append(out, j)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, t time.Time) ([]model.Job, error) {
	var expired []model.Job
	max := fmt.Sprintf("(%d", t.UnixMicro())
	err := s.scan(ctx, max, func(j model.Job) bool {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(t) {
			expired = append(expired, j)
		}
		return true
	})
	if err != nil || len(expired) == 0 {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, j := range expired {
			pipe.Del(ctx, jobKey(j.ID))
			pipe.ZRem(ctx, redisJobIndex, j.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return expired, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
