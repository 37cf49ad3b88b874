package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vidshift/api/internal/apperr"
	"github.com/vidshift/api/internal/model"
)

// SQLiteStore persists jobs in a SQLite database so queued work survives a
// restart. Every transition is a single conditional UPDATE.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'queued',
			progress      INTEGER NOT NULL DEFAULT 0,
			current_stage TEXT NOT NULL DEFAULT '',
			params        TEXT NOT NULL,
			source_ref    TEXT NOT NULL,
			result_ref    TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			started_at    DATETIME,
			completed_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`)
	return err
}

const jobColumns = `id, status, progress, current_stage, params, source_ref,
	result_ref, error, created_at, started_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, params model.ParameterSet, sourceRef string) (model.Job, error) {
	j := newJob(params, sourceRef, s.now())
	raw, err := json.Marshal(j.Params)
	if err != nil {
		return model.Job{}, fmt.Errorf("encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, params, source_ref, created_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, j.ID, j.Status, string(raw), j.SourceRef, j.CreatedAt)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Start(ctx context.Context, id string) (model.Job, error) {
	err := s.transition(ctx, "store.start", id, model.JobStatusProcessing, `
		UPDATE jobs SET status = ?, progress = 0, started_at = ?
		WHERE id = ? AND status = ?
	`, model.JobStatusProcessing, s.now().UTC(), id, model.JobStatusQueued)
	if err != nil {
		return model.Job{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Advance(ctx context.Context, id string, progress int, stage string) error {
	if err := checkProgress(id, 0, progress); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = ?, current_stage = CASE WHEN ? = '' THEN current_stage ELSE ? END
		WHERE id = ? AND status = ? AND progress <= ?
	`, progress, stage, stage, id, model.JobStatusProcessing, progress)
	if err != nil {
		return fmt.Errorf("advance job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing matched: report why using the current record.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	j := cur
	return applyAdvance(&j, progress, stage)
}

func (s *SQLiteStore) Complete(ctx context.Context, id, resultRef string) error {
	if resultRef == "" {
		return apperr.New(apperr.CodeInternal, "store.complete", "result reference is required")
	}
	return s.transition(ctx, "store.complete", id, model.JobStatusCompleted, `
		UPDATE jobs SET status = ?, progress = 100, result_ref = ?, error = '', completed_at = ?
		WHERE id = ? AND status = ?
	`, model.JobStatusCompleted, resultRef, s.now().UTC(), id, model.JobStatusProcessing)
}

func (s *SQLiteStore) Fail(ctx context.Context, id, detail string) error {
	return s.transition(ctx, "store.fail", id, model.JobStatusFailed, `
		UPDATE jobs SET status = ?, error = ?, result_ref = '', completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, model.JobStatusFailed, failureDetail(detail), s.now().UTC(), id, model.JobStatusQueued, model.JobStatusProcessing)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) (model.Job, error) {
	err := s.transition(ctx, "store.cancel", id, model.JobStatusCancelled, `
		UPDATE jobs SET status = ?, error = ?, result_ref = '', completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, model.JobStatusCancelled, CancelledDetail, s.now().UTC(), id, model.JobStatusQueued, model.JobStatusProcessing)
	if err != nil {
		return model.Job{}, err
	}
	return s.Get(ctx, id)
}

// transition runs a conditional UPDATE and, when no row matched, tells
// NotFound apart from an illegal transition.
func (s *SQLiteStore) transition(ctx context.Context, op, id string, to model.JobStatus, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status model.JobStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, id)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return apperr.InvalidTransition(op, id, string(status), string(to))
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, apperr.NotFound("store.get", id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, t time.Time) ([]model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	const where = `status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled, t.UTC()}

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	removed, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return removed, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		j                      model.Job
		params                 string
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Status, &j.Progress, &j.CurrentStage, &params, &j.SourceRef,
		&j.ResultRef, &j.Error, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return model.Job{}, fmt.Errorf("decode params of job %s: %w", j.ID, err)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	return j, nil
}

func collect(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
