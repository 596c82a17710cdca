package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	// EventRunEnvelope mirrors one stamped protocol envelope.
	EventRunEnvelope = "run.envelope"
	// EventRunStatus is broadcast on run lifecycle transitions.
	EventRunStatus = "run.status"
	// EventDecision is broadcast when a human records an approval decision.
	EventDecision = "run.decision"
)

// RunStatusEvent is broadcast when a run's status changes.
type RunStatusEvent struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// DecisionEvent is broadcast when an approval decision is recorded.
type DecisionEvent struct {
	RunID    string `json:"run_id"`
	ActionID string `json:"action_id"`
	Decision string `json:"decision"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
