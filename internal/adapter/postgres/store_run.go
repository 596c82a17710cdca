package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentBridge/internal/domain"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
)

// RunStore persists run lifecycle rows.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Create inserts a new run row. A duplicate id returns domain.ErrConflict.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, status, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ThreadID, string(r.Status), r.StartedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
	}
	return nil
}

// UpdateStatus records a status transition and, for terminal states, the
// completion time, last seq and error details.
func (s *RunStore) UpdateStatus(ctx context.Context, r *run.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, error = $3, error_code = $4, last_seq = $5, completed_at = $6
		 WHERE id = $1`,
		r.ID, string(r.Status), r.Error, r.ErrorCode, r.LastSeq, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

// Get returns one run by id.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	var r run.Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, status, error, error_code, last_seq, started_at, completed_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.ThreadID, &status, &r.Error, &r.ErrorCode, &r.LastSeq, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	r.Status = run.Status(status)
	return &r, nil
}

// ListByThread returns all runs on a thread, oldest first.
func (s *RunStore) ListByThread(ctx context.Context, threadID string) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, status, error, error_code, last_seq, started_at, completed_at
		 FROM runs WHERE thread_id = $1 ORDER BY started_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs by thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		var r run.Run
		var status string
		if err := rows.Scan(&r.ID, &r.ThreadID, &status, &r.Error, &r.ErrorCode, &r.LastSeq, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = run.Status(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
