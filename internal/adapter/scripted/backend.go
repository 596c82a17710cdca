// Package scripted implements a deterministic agent backend used for demos
// and service tests. It mirrors a human-in-the-loop assistant: destructive
// requests become pending actions gated on explicit approval, plan requests
// suspend the run for input, and everything else is a streamed echo with
// topic tracking. Business effects are simulated.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
	"github.com/Strob0t/AgentBridge/internal/ledger"
	"github.com/Strob0t/AgentBridge/internal/port/agentbackend"
)

// Name is the registry identifier for this backend.
const Name = "scripted"

func init() {
	agentbackend.Register(Name, func(_ map[string]string) (agentbackend.Backend, error) {
		return New(), nil
	})
}

// Backend drives runs from keyword rules over the last user message.
type Backend struct{}

// New creates a scripted backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// actionKeywords maps trigger words to proposed action types, following the
// demo assistant's rules.
var actionKeywords = []struct {
	word       string
	actionType string
}{
	{"delete", "delete_file"},
	{"remove", "delete_file"},
	{"email", "send_email"},
	{"send", "send_email"},
	{"execute", "execute_code"},
	{"run", "execute_code"},
	{"settings", "modify_settings"},
	{"config", "modify_settings"},
}

// Run executes one scripted run. The incoming state document is the source
// of truth for pending actions and counters; the backend never keeps state
// between runs.
func (b *Backend) Run(ctx context.Context, rc agentbackend.RunContext) error {
	doc := rc.Input.State.Clone()
	if doc == nil {
		doc = state.Document{}
	}

	if len(rc.Input.Resolution) > 0 {
		return b.resumeFromResolution(rc, doc)
	}

	text := strings.ToLower(rc.Input.LastUserMessage())

	switch {
	case strings.Contains(text, "proceed") || strings.Contains(text, "execute approved"):
		return b.executeApproved(rc, doc)
	case strings.Contains(text, "status"):
		return b.approvalStatus(rc, doc)
	case strings.Contains(text, "plan"):
		return b.planWithSuspension(ctx, rc, doc)
	default:
		if at, ok := matchAction(text); ok {
			return b.proposeAction(rc, doc, at, rc.Input.LastUserMessage())
		}
		return b.trackTopic(rc, doc)
	}
}

func matchAction(text string) (string, bool) {
	for _, kw := range actionKeywords {
		if strings.Contains(text, kw.word) {
			return kw.actionType, true
		}
	}
	return "", false
}

// proposeAction creates a pending action, streams the tool call, and leaves
// the run awaiting a decision on a later run.
func (b *Backend) proposeAction(rc agentbackend.RunContext, doc state.Document, actionType, description string) error {
	action := run.PendingAction{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		Description: description,
	}

	callID := uuid.NewString()
	args, _ := json.Marshal(map[string]string{
		"action_type": actionType,
		"description": description,
	})
	if err := emitToolCall(rc, callID, "propose_action", string(args)); err != nil {
		return err
	}

	doc[run.StateFieldPendingActions] = append(pendingActions(doc), toMap(action))
	doc["awaiting_approval"] = true
	bumpMessageCount(doc)

	if err := rc.Emit(&protocol.StateSnapshotEvent{Snapshot: doc}); err != nil {
		return err
	}
	return emitText(rc, "assistant", fmt.Sprintf(
		"I've proposed the action %q. Check the pending actions panel to approve or reject it, then ask me to proceed.",
		description))
}

// executeApproved runs every pending action whose decision is approved,
// consulting the ledger immediately before each execution.
func (b *Backend) executeApproved(rc agentbackend.RunContext, doc state.Document) error {
	pending := pendingActions(doc)
	if len(pending) == 0 {
		return emitText(rc, "assistant", "There are no pending actions.")
	}

	var remaining []any
	var results []string
	executed := 0
	for _, raw := range pending {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		desc, _ := m["description"].(string)

		// Decision is read at execution time, never earlier in the run.
		switch rc.Decisions(id) {
		case ledger.DecisionApproved:
			results = append(results, fmt.Sprintf("Executed: %s", desc))
			executed++
		case ledger.DecisionRejected:
			results = append(results, fmt.Sprintf("Skipped (rejected): %s", desc))
		default:
			remaining = append(remaining, raw)
		}
	}

	doc[run.StateFieldPendingActions] = remaining
	doc["awaiting_approval"] = len(remaining) > 0
	doc["execution_results"] = append(executionResults(doc), toAnySlice(results)...)
	bumpMessageCount(doc)

	if err := rc.Emit(&protocol.StateSnapshotEvent{Snapshot: doc}); err != nil {
		return err
	}

	if executed == 0 && len(results) == 0 {
		return emitText(rc, "assistant", "No actions have been decided yet. Approve or reject them first.")
	}
	return emitText(rc, "assistant", "Done:\n"+strings.Join(results, "\n"))
}

// approvalStatus reports each pending action's current decision.
func (b *Backend) approvalStatus(rc agentbackend.RunContext, doc state.Document) error {
	pending := pendingActions(doc)
	if len(pending) == 0 {
		return emitText(rc, "assistant", "No actions are waiting for a decision.")
	}

	var lines []string
	for _, raw := range pending {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		desc, _ := m["description"].(string)
		lines = append(lines, fmt.Sprintf("%s: %s", desc, rc.Decisions(id)))
	}
	return emitText(rc, "assistant", "Approval status:\n"+strings.Join(lines, "\n"))
}

// planWithSuspension proposes a step plan and suspends the run until the
// client supplies the step to start with.
func (b *Backend) planWithSuspension(ctx context.Context, rc agentbackend.RunContext, doc state.Document) error {
	steps := []string{"research", "draft", "review"}

	doc["plan"] = toAnySlice(steps)
	bumpMessageCount(doc)
	if err := rc.Emit(&protocol.StateSnapshotEvent{Snapshot: doc}); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"question": "Which step should I start with?",
		"steps":    steps,
	})
	resolution, err := rc.Await(ctx, payload)
	if err != nil {
		return err
	}

	choice := decodeChoice(resolution)
	doc["last_topic"] = "plan:" + choice
	if err := rc.Emit(&protocol.StateDeltaEvent{Delta: state.Document{"last_topic": doc["last_topic"]}}); err != nil {
		return err
	}
	return emitText(rc, "assistant", fmt.Sprintf("Starting with the %q step.", choice))
}

// resumeFromResolution handles an answer that arrived with the request
// instead of over the resolve endpoint: the previous run suspended and its
// stream died before the resolution landed, so the client carried the value
// into this run's input. The answer is applied as an in-place resume would
// have applied it.
func (b *Backend) resumeFromResolution(rc agentbackend.RunContext, doc state.Document) error {
	choice := decodeChoice(rc.Input.Resolution)
	doc["last_topic"] = "plan:" + choice
	bumpMessageCount(doc)

	delta := state.Document{
		"last_topic":    doc["last_topic"],
		"message_count": doc["message_count"],
	}
	if err := rc.Emit(&protocol.StateDeltaEvent{Delta: delta}); err != nil {
		return err
	}
	return emitText(rc, "assistant", fmt.Sprintf(
		"Picking up where we left off: starting with the %q step.", choice))
}

// decodeChoice reads a resolution value as a JSON string, falling back to
// the raw bytes.
func decodeChoice(raw json.RawMessage) string {
	var choice string
	if err := json.Unmarshal(raw, &choice); err != nil {
		choice = string(raw)
	}
	return choice
}

// trackTopic is the default path: update counters via a delta and stream an
// echo reply.
func (b *Backend) trackTopic(rc agentbackend.RunContext, doc state.Document) error {
	topic := firstWords(rc.Input.LastUserMessage(), 3)
	bumpMessageCount(doc)
	doc["last_topic"] = topic

	delta := state.Document{
		"last_topic":    topic,
		"message_count": doc["message_count"],
	}
	if err := rc.Emit(&protocol.StateDeltaEvent{Delta: delta}); err != nil {
		return err
	}
	return emitText(rc, "assistant", fmt.Sprintf(
		"Noted. Now tracking topic %q (message #%v).", topic, doc["message_count"]))
}

// emitText streams one message as start, word-sized content chunks, end.
func emitText(rc agentbackend.RunContext, role, content string) error {
	id := uuid.NewString()
	if err := rc.Emit(&protocol.TextMessageStartEvent{MessageID: id, Role: role}); err != nil {
		return err
	}
	for _, chunk := range chunkWords(content, 6) {
		if err := rc.Emit(&protocol.TextMessageContentEvent{MessageID: id, Delta: chunk}); err != nil {
			return err
		}
	}
	return rc.Emit(&protocol.TextMessageEndEvent{MessageID: id})
}

// emitToolCall streams one tool invocation as start, args chunks, end.
func emitToolCall(rc agentbackend.RunContext, callID, name, args string) error {
	if err := rc.Emit(&protocol.ToolCallStartEvent{CallID: callID, Name: name}); err != nil {
		return err
	}
	half := len(args) / 2
	for _, chunk := range []string{args[:half], args[half:]} {
		if chunk == "" {
			continue
		}
		if err := rc.Emit(&protocol.ToolCallArgsEvent{CallID: callID, Delta: chunk}); err != nil {
			return err
		}
	}
	return rc.Emit(&protocol.ToolCallEndEvent{CallID: callID})
}

func pendingActions(doc state.Document) []any {
	list, _ := doc[run.StateFieldPendingActions].([]any)
	return list
}

func executionResults(doc state.Document) []any {
	list, _ := doc["execution_results"].([]any)
	return list
}

func bumpMessageCount(doc state.Document) {
	count, _ := doc["message_count"].(float64)
	doc["message_count"] = count + 1
}

func toMap(a run.PendingAction) map[string]any {
	m := map[string]any{
		"id":          a.ID,
		"action_type": a.ActionType,
		"description": a.Description,
	}
	if len(a.Details) > 0 {
		m["details"] = a.Details
	}
	return m
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// chunkWords splits s into chunks of at most n words, preserving spacing at
// chunk boundaries so concatenation reconstructs s word-for-word.
func chunkWords(s string, n int) []string {
	words := strings.Fields(s)
	var chunks []string
	for start := 0; start < len(words); start += n {
		end := min(start+n, len(words))
		chunk := strings.Join(words[start:end], " ")
		if start > 0 {
			chunk = " " + chunk
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
