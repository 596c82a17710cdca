// Package run defines the Run domain entity and the request/response shapes
// exchanged between client and agent for a single execution cycle.
package run

import "time"

// Status represents the current state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended" // halted awaiting human input
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Run represents a single agent execution cycle: from receiving a request to
// the terminal lifecycle envelope. Everything scoped to a run is frozen once
// the run reaches a terminal status; shared state and approval decisions
// outlive the run on the client.
type Run struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	LastSeq     int64      `json:"last_seq"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
