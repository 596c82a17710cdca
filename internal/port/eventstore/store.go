// Package eventstore defines the port interface for the append-only run
// event store and the approval decision audit trail.
package eventstore

import (
	"context"
	"time"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
)

// StoredEvent is one persisted envelope plus its storage metadata. Payload is
// the full wire JSON of the envelope; Seq is duplicated out of the payload so
// the store can enforce ordering without decoding.
type StoredEvent struct {
	ID        int64              `json:"id"`
	RunID     string             `json:"run_id"`
	ThreadID  string             `json:"thread_id"`
	Seq       uint64             `json:"seq"`
	EventType protocol.EventType `json:"event_type"`
	Payload   []byte             `json:"payload"`
	CreatedAt time.Time          `json:"created_at"`
}

// DecisionRecord is one audit entry for a human approval decision.
type DecisionRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	ActionID  string    `json:"action_id"`
	Decision  string    `json:"decision"`
	DecidedAt time.Time `json:"decided_at"`
}

// Store is the port interface for appending and loading run events.
type Store interface {
	// Append persists a new event. The (run_id, seq) pair is unique; a
	// duplicate append returns domain.ErrConflict.
	Append(ctx context.Context, ev *StoredEvent) error

	// LoadByRun returns all events for the given run, ordered by seq.
	LoadByRun(ctx context.Context, runID string) ([]StoredEvent, error)

	// LoadByThread returns all events for every run on the thread, ordered
	// by creation time then seq.
	LoadByThread(ctx context.Context, threadID string) ([]StoredEvent, error)

	// RecordDecision appends one approval audit entry.
	RecordDecision(ctx context.Context, rec *DecisionRecord) error

	// DecisionsByRun returns the audit trail for a run in decision order.
	DecisionsByRun(ctx context.Context, runID string) ([]DecisionRecord, error)
}
