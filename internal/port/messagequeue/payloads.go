package messagequeue

// DecisionNoticePayload is the schema for runs.decisions messages.
type DecisionNoticePayload struct {
	RunID    string `json:"run_id"`
	ActionID string `json:"action_id"`
	Decision string `json:"decision"`
}
