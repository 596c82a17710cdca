// Package agentbackend defines the agent backend port (interface) and its
// per-run execution context.
package agentbackend

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/ledger"
)

// RunContext is everything a backend needs to execute one run: the validated
// input, an emitter for protocol events, a hook to suspend for human input,
// and a read on the current approval decision for an action id.
//
// Emit stamps ordering metadata before fan-out; backends send payloads only.
// Await blocks until the client resolves the suspension or ctx ends.
// Decisions must be consulted immediately before executing a gated action,
// never cached from earlier in the run.
type RunContext struct {
	Input     run.Input
	Emit      func(ev protocol.Event) error
	Await     func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	Decisions func(actionID string) ledger.Decision
}

// Backend is the port interface for an agent implementation driving a run.
type Backend interface {
	// Name returns the unique identifier for this backend (e.g. "scripted").
	Name() string

	// Run executes one run to completion. Returning nil means the run
	// finished; returning an error means the run failed and the session
	// layer emits the terminal error event. Backends never emit lifecycle
	// events themselves.
	Run(ctx context.Context, rc RunContext) error
}
