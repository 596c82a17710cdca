package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentBridge/internal/domain"
	"github.com/Strob0t/AgentBridge/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the run_events table. A duplicate
// (run_id, seq) insert maps to domain.ErrConflict.
func (s *EventStore) Append(ctx context.Context, ev *eventstore.StoredEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, thread_id, seq, event_type, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		ev.RunID, ev.ThreadID, ev.Seq, string(ev.EventType), ev.Payload,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("append event run %s seq %d: %w", ev.RunID, ev.Seq, domain.ErrConflict)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for run_events queries.
const eventColumns = `id, run_id, thread_id, seq, event_type, payload, created_at`

// scanEvent scans a row into a StoredEvent.
func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *eventstore.StoredEvent) error {
	return scanner.Scan(
		&ev.ID, &ev.RunID, &ev.ThreadID, &ev.Seq, &ev.EventType, &ev.Payload, &ev.CreatedAt,
	)
}

// LoadByRun returns all events for the given run, ordered by seq ascending.
func (s *EventStore) LoadByRun(ctx context.Context, runID string) ([]eventstore.StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, eventColumns), runID)
	if err != nil {
		return nil, fmt.Errorf("load events by run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []eventstore.StoredEvent
	for rows.Next() {
		var ev eventstore.StoredEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadByThread returns all events for every run on the thread, ordered by
// creation time then seq.
func (s *EventStore) LoadByThread(ctx context.Context, threadID string) ([]eventstore.StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM run_events WHERE thread_id = $1 ORDER BY created_at ASC, seq ASC`, eventColumns), threadID)
	if err != nil {
		return nil, fmt.Errorf("load events by thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var events []eventstore.StoredEvent
	for rows.Next() {
		var ev eventstore.StoredEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordDecision appends one approval audit entry.
func (s *EventStore) RecordDecision(ctx context.Context, rec *eventstore.DecisionRecord) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO approval_decisions (run_id, action_id, decision)
		 VALUES ($1, $2, $3)
		 RETURNING id, decided_at`,
		rec.RunID, rec.ActionID, rec.Decision,
	).Scan(&rec.ID, &rec.DecidedAt)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// DecisionsByRun returns the audit trail for a run in decision order.
func (s *EventStore) DecisionsByRun(ctx context.Context, runID string) ([]eventstore.DecisionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, action_id, decision, decided_at
		 FROM approval_decisions WHERE run_id = $1 ORDER BY decided_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load decisions by run %s: %w", runID, err)
	}
	defer rows.Close()

	var recs []eventstore.DecisionRecord
	for rows.Next() {
		var rec eventstore.DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ActionID, &rec.Decision, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
