package run

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/AgentBridge/internal/domain"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
)

// Message is one entry in the conversation history. Field names follow the
// wire casing shared with the front-end SDKs.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"` // "user", "assistant", "system", "tool"
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"` // set on role "tool" results
}

// ToolCall records a completed tool invocation inside an assistant message.
type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"` // always "function"
	Function Function `json:"function"`
}

// Function holds the name and the full concatenated argument payload of a
// tool call.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef is a client-capability schema advertised to the agent. The
// parameter schema is opaque to the protocol core.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Input is the client -> agent request that starts a run: the full message
// history, the current shared state document, and the registered client
// capabilities. State travels whole on every request; there is no
// delta-based upload path.
type Input struct {
	ThreadID string         `json:"threadId,omitempty"`
	RunID    string         `json:"runId,omitempty"`
	Messages []Message      `json:"messages"`
	State    state.Document `json:"state,omitempty"`
	Tools    []ToolDef      `json:"tools,omitempty"`

	// Resolution carries the value supplied for a suspension raised by the
	// previous run, exactly once. Opaque to the transport.
	Resolution json.RawMessage `json:"resolution,omitempty"`
}

// Validate checks structural requirements on the input.
func (in *Input) Validate() error {
	if len(in.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrValidation)
	}
	for i, m := range in.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("%w: message %d has no role", domain.ErrValidation, i)
		}
	}
	return nil
}

// LastUserMessage returns the content of the most recent user message, or ""
// when the history contains none.
func (in *Input) LastUserMessage() string {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			return in.Messages[i].Content
		}
	}
	return ""
}
