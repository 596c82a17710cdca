package run

// PendingAction is an agent-proposed, not-yet-executed operation awaiting a
// human decision. The agent creates pending actions; the client never
// deletes them, it only annotates them through the approval ledger.
type PendingAction struct {
	ID          string         `json:"id"`
	ActionType  string         `json:"action_type"` // "delete_file", "send_email", ...
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// Shared state fields used to persist approval decisions across runs.
// These names are part of the contract with the front end.
const (
	StateFieldPendingActions = "pending_actions"
	StateFieldApprovedIDs    = "approved_action_ids"
	StateFieldRejectedIDs    = "rejected_action_ids"
)
