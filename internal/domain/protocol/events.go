// Package protocol defines the event envelope vocabulary streamed from the
// agent to the client during a run. Envelopes form a closed tagged union:
// every consumer dispatches with an exhaustive type switch, so adding a kind
// is a compile-time-checked change.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
)

// EventType identifies the kind of envelope on the wire.
type EventType string

const (
	// Lifecycle
	EventRunStarted  EventType = "RUN_STARTED"
	EventRunFinished EventType = "RUN_FINISHED"
	EventRunError    EventType = "RUN_ERROR"

	// Text streaming
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"

	// Tool invocation
	EventToolCallStart EventType = "TOOL_CALL_START"
	EventToolCallArgs  EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd   EventType = "TOOL_CALL_END"

	// State synchronization
	EventStateSnapshot    EventType = "STATE_SNAPSHOT"
	EventStateDelta       EventType = "STATE_DELTA"
	EventMessagesSnapshot EventType = "MESSAGES_SNAPSHOT"

	// Forward-compatible extension
	EventCustom EventType = "CUSTOM"
	EventRaw    EventType = "RAW"
)

// CustomNameSuspension is the CUSTOM envelope name carrying a suspension
// request payload to the client.
const CustomNameSuspension = "suspension_request"

// Meta carries the fields shared by every envelope: the discriminator, the
// owning run, and the strictly increasing, gapless sequence position
// assigned by the server at emission.
type Meta struct {
	EventType EventType `json:"type"`
	RunID     string    `json:"runId"`
	Seq       int64     `json:"seq"`
	Timestamp int64     `json:"timestamp,omitempty"` // unix milliseconds
}

// Envelope returns the shared envelope metadata for stamping and inspection.
// The embedded field is named Meta, so the accessor cannot share that name.
func (m *Meta) Envelope() *Meta { return m }

// Stamp assigns run identity and sequence position. Called exactly once by
// the emitter before the envelope leaves the server.
func (m *Meta) Stamp(runID string, seq int64) {
	m.RunID = runID
	m.Seq = seq
	m.Timestamp = time.Now().UnixMilli()
}

// Event is the closed union of all envelope kinds. Type is fixed per concrete
// kind; Encode copies it into the wire discriminator, so constructors never
// set Meta.EventType by hand.
type Event interface {
	Type() EventType
	Envelope() *Meta
}

// RunStartedEvent signals that a run has begun.
type RunStartedEvent struct {
	Meta
	ThreadID string `json:"threadId,omitempty"`
}

// RunFinishedEvent signals successful completion; terminal for the run.
type RunFinishedEvent struct {
	Meta
}

// RunErrorEvent signals agent-reported failure; terminal for the run.
// Shared state stays at its last applied snapshot/delta.
type RunErrorEvent struct {
	Meta
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TextMessageStartEvent opens a streamed text message.
type TextMessageStartEvent struct {
	Meta
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
}

// TextMessageContentEvent carries one ordered, append-only content chunk.
// Chunks for one messageId are meaningless out of order.
type TextMessageContentEvent struct {
	Meta
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// TextMessageEndEvent closes a streamed text message.
type TextMessageEndEvent struct {
	Meta
	MessageID string `json:"messageId"`
}

// ToolCallStartEvent opens a streamed tool invocation.
type ToolCallStartEvent struct {
	Meta
	CallID          string `json:"toolCallId"`
	Name            string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// ToolCallArgsEvent carries one ordered argument chunk; concatenated in
// arrival order the chunks form the complete argument payload.
type ToolCallArgsEvent struct {
	Meta
	CallID string `json:"toolCallId"`
	Delta  string `json:"delta"`
}

// ToolCallEndEvent closes a streamed tool invocation.
type ToolCallEndEvent struct {
	Meta
	CallID string `json:"toolCallId"`
}

// StateSnapshotEvent carries a full replacement value for the shared state.
type StateSnapshotEvent struct {
	Meta
	Snapshot state.Document `json:"snapshot"`
}

// StateDeltaEvent carries a partial document merged field-by-field into the
// last known state. Arrays are wholesale-replaced.
type StateDeltaEvent struct {
	Meta
	Delta state.Document `json:"delta"`
}

// MessagesSnapshotEvent carries the complete message history.
type MessagesSnapshotEvent struct {
	Meta
	Messages []run.Message `json:"messages"`
}

// CustomEvent is the named extension escape hatch. Consumers that have not
// registered for the name ignore the envelope; it never aborts the stream.
type CustomEvent struct {
	Meta
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// RawEvent passes through an opaque external payload.
type RawEvent struct {
	Meta
	Payload json.RawMessage `json:"event"`
	Source  string          `json:"source,omitempty"`
}

// UnknownEvent carries an envelope whose kind this build does not recognize.
// Decode returns it alongside ErrUnknownEventType so tolerant consumers can
// keep the envelope's sequence position instead of breaking the stream. The
// original wire bytes are preserved verbatim in Payload.
type UnknownEvent struct {
	Meta
	Payload json.RawMessage `json:"-"`
}

// Fixed wire discriminators, one per kind.
func (*RunStartedEvent) Type() EventType         { return EventRunStarted }
func (*RunFinishedEvent) Type() EventType        { return EventRunFinished }
func (*RunErrorEvent) Type() EventType           { return EventRunError }
func (*TextMessageStartEvent) Type() EventType   { return EventTextMessageStart }
func (*TextMessageContentEvent) Type() EventType { return EventTextMessageContent }
func (*TextMessageEndEvent) Type() EventType     { return EventTextMessageEnd }
func (*ToolCallStartEvent) Type() EventType      { return EventToolCallStart }
func (*ToolCallArgsEvent) Type() EventType       { return EventToolCallArgs }
func (*ToolCallEndEvent) Type() EventType        { return EventToolCallEnd }
func (*StateSnapshotEvent) Type() EventType      { return EventStateSnapshot }
func (*StateDeltaEvent) Type() EventType         { return EventStateDelta }
func (*MessagesSnapshotEvent) Type() EventType   { return EventMessagesSnapshot }
func (*CustomEvent) Type() EventType             { return EventCustom }
func (*RawEvent) Type() EventType                { return EventRaw }

// Type returns the foreign discriminator as it arrived on the wire.
func (e *UnknownEvent) Type() EventType { return e.EventType }

// The embedded Meta field shadows any promoted method of the same name, so
// every kind must satisfy Event through its own Type plus Meta's Envelope.
var (
	_ Event = (*RunStartedEvent)(nil)
	_ Event = (*RunFinishedEvent)(nil)
	_ Event = (*RunErrorEvent)(nil)
	_ Event = (*TextMessageStartEvent)(nil)
	_ Event = (*TextMessageContentEvent)(nil)
	_ Event = (*TextMessageEndEvent)(nil)
	_ Event = (*ToolCallStartEvent)(nil)
	_ Event = (*ToolCallArgsEvent)(nil)
	_ Event = (*ToolCallEndEvent)(nil)
	_ Event = (*StateSnapshotEvent)(nil)
	_ Event = (*StateDeltaEvent)(nil)
	_ Event = (*MessagesSnapshotEvent)(nil)
	_ Event = (*CustomEvent)(nil)
	_ Event = (*RawEvent)(nil)
	_ Event = (*UnknownEvent)(nil)
)

// Lifecycle reports whether the kind is a run lifecycle envelope. Protocol
// violations on lifecycle envelopes abort the run; on all other kinds the
// offending envelope is dropped and the run continues.
func Lifecycle(t EventType) bool {
	switch t {
	case EventRunStarted, EventRunFinished, EventRunError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the kind ends the run.
func Terminal(t EventType) bool {
	return t == EventRunFinished || t == EventRunError
}
