package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
	"github.com/Strob0t/AgentBridge/internal/ledger"
	"github.com/Strob0t/AgentBridge/internal/reconciler"
	"github.com/Strob0t/AgentBridge/internal/suspend"
)

// Session is the client's durable side of one conversation thread. It folds
// each run's envelope stream into the local message history, the reconciled
// state view, and the approval ledger, and builds the next outgoing request
// from them. Runs come and go; the session persists.
type Session struct {
	client   *Client
	threadID string
	log      *slog.Logger

	rec  *reconciler.Reconciler
	led  *ledger.Ledger
	ctrl *suspend.Controller

	mu       sync.Mutex
	messages []run.Message
	lastRun  string
	lastErr  *protocol.RunErrorEvent

	// In-flight streaming assembly, keyed by messageId / toolCallId.
	openTexts map[string]*textBuild
	openCalls map[string]*callBuild
}

type textBuild struct {
	role    string
	content strings.Builder
}

type callBuild struct {
	name     string
	parentID string
	args     strings.Builder
}

// NewSession creates a session bound to a client and thread. An empty
// threadID lets the agent assign one on the first run.
func NewSession(c *Client, threadID string) *Session {
	return &Session{
		client:    c,
		threadID:  threadID,
		log:       c.log,
		rec:       reconciler.New(nil),
		led:       ledger.New(),
		ctrl:      suspend.NewController(),
		openTexts: make(map[string]*textBuild),
		openCalls: make(map[string]*callBuild),
	}
}

// ThreadID returns the session's thread id, once known.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// LastRunID returns the id of the most recent run observed on this session.
func (s *Session) LastRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// LastError returns the terminal error envelope of the most recent run, if
// it failed.
func (s *Session) LastError() (*protocol.RunErrorEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr, s.lastErr != nil
}

// Messages returns a copy of the folded conversation history.
func (s *Session) Messages() []run.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// State returns a copy of the reconciled local state view.
func (s *Session) State() state.Document {
	return s.rec.View()
}

// LocalEdit applies an optimistic local state edit; the touched fields are
// shielded from agent snapshots and deltas until the next request ships.
func (s *Session) LocalEdit(mutate func(doc state.Document)) {
	s.rec.LocalEdit(mutate)
}

// Approve records a local approval decision. It rides to the agent inside
// the next request's state document.
func (s *Session) Approve(actionID string) { s.led.Approve(actionID) }

// Reject records a local rejection decision.
func (s *Session) Reject(actionID string) { s.led.Reject(actionID) }

// Decision returns the current local verdict for an action id.
func (s *Session) Decision(actionID string) ledger.Decision {
	return s.led.Decision(actionID)
}

// Suspension returns the outstanding suspension request, if the last run
// halted for input.
func (s *Session) Suspension() (suspend.Request, bool) {
	return s.ctrl.Pending()
}

// Resolve supplies the resolution for the outstanding suspension. The value
// is delivered to the agent over the resolve endpoint, resuming the
// suspended run in place. When the run is no longer live on the agent side
// (the stream dropped before the answer arrived), the value is kept locally
// and rides in the next request's resolution field instead.
func (s *Session) Resolve(ctx context.Context, value json.RawMessage) error {
	req, ok := s.ctrl.Pending()
	if !ok {
		return suspend.ErrNoPendingSuspension
	}
	err := s.client.Resolve(ctx, req.RunID, value)
	if err == nil {
		// Delivered in place; nothing to carry into the next request.
		s.ctrl.Abort()
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) &&
		(apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusConflict) {
		s.log.Warn("run no longer awaiting, carrying resolution into next request",
			"run_id", req.RunID, "status", apiErr.Status)
		return s.ctrl.Resolve(value)
	}
	return err
}

// Send appends a user message, ships the request, and folds the resulting
// stream into the session, blocking until the run's terminal envelope.
// observe, when non-nil, sees every accepted envelope in order; use it to
// render streaming output and to notice suspension requests, which must be
// resolved (from observe or another goroutine) for the run to finish. Send
// returns the agent-reported error for a RUN_ERROR terminal, nil for
// RUN_FINISHED.
func (s *Session) Send(ctx context.Context, content string, observe func(protocol.Event)) error {
	in := s.NextRequest(content)

	stream, err := s.client.Run(ctx, in)
	if err != nil {
		return err
	}
	return s.consume(stream, observe)
}

// NextRequest builds the outgoing request: full history plus the user
// message (when non-empty), the reconciled state with the ledger folded in,
// and any pending suspension resolution.
func (s *Session) NextRequest(content string) run.Input {
	s.mu.Lock()
	if content != "" {
		s.messages = append(s.messages, run.Message{
			ID:      uuid.NewString(),
			Role:    "user",
			Content: content,
		})
	}
	msgs := make([]run.Message, len(s.messages))
	copy(msgs, s.messages)
	threadID := s.threadID
	s.mu.Unlock()

	doc := s.rec.ToRequestState()
	doc[run.StateFieldApprovedIDs] = toAnyList(s.led.Approved())
	doc[run.StateFieldRejectedIDs] = toAnyList(s.led.Rejected())

	in := run.Input{
		ThreadID: threadID,
		Messages: msgs,
		State:    doc,
	}
	if value, ok := s.ctrl.TakeResolution(); ok {
		in.Resolution = value
	}
	return in
}

// consume drains one run's stream, validating ordering and applying each
// envelope. Ordering violations on lifecycle envelopes abort the run
// client-side; on any other kind the offending envelope is dropped.
func (s *Session) consume(stream <-chan protocol.Event, observe func(protocol.Event)) error {
	v := protocol.NewStreamValidator()
	var runErr error

	for ev := range stream {
		if err := v.Observe(ev); err != nil {
			if protocol.Lifecycle(ev.Type()) {
				runErr = err
				break
			}
			s.log.Warn("dropping out-of-order envelope", "type", ev.Type(), "error", err)
			continue
		}
		s.apply(ev)
		if observe != nil {
			observe(ev)
		}
		if e, ok := ev.(*protocol.RunErrorEvent); ok {
			runErr = fmt.Errorf("run failed [%s]: %s", e.Code, e.Message)
		}
	}
	// Drain whatever remains so the reader goroutine can exit.
	for range stream {
	}
	return runErr
}

// apply folds one envelope into the session. The type switch is exhaustive
// over the closed union; a new kind is a compile-visible hole here.
func (s *Session) apply(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.RunStartedEvent:
		s.mu.Lock()
		s.lastRun = e.RunID
		s.lastErr = nil
		if e.ThreadID != "" {
			s.threadID = e.ThreadID
		}
		s.mu.Unlock()

	case *protocol.RunFinishedEvent:
		// Frozen run; nothing to fold.

	case *protocol.RunErrorEvent:
		// State stays at the last applied snapshot/delta.
		s.mu.Lock()
		s.lastErr = e
		s.mu.Unlock()

	case *protocol.TextMessageStartEvent:
		s.mu.Lock()
		s.openTexts[e.MessageID] = &textBuild{role: e.Role}
		s.mu.Unlock()

	case *protocol.TextMessageContentEvent:
		s.mu.Lock()
		if b, ok := s.openTexts[e.MessageID]; ok {
			b.content.WriteString(e.Delta)
		}
		s.mu.Unlock()

	case *protocol.TextMessageEndEvent:
		s.mu.Lock()
		if b, ok := s.openTexts[e.MessageID]; ok {
			delete(s.openTexts, e.MessageID)
			s.messages = append(s.messages, run.Message{
				ID:      e.MessageID,
				Role:    b.role,
				Content: b.content.String(),
			})
		}
		s.mu.Unlock()

	case *protocol.ToolCallStartEvent:
		s.mu.Lock()
		s.openCalls[e.CallID] = &callBuild{name: e.Name, parentID: e.ParentMessageID}
		s.mu.Unlock()

	case *protocol.ToolCallArgsEvent:
		s.mu.Lock()
		if b, ok := s.openCalls[e.CallID]; ok {
			b.args.WriteString(e.Delta)
		}
		s.mu.Unlock()

	case *protocol.ToolCallEndEvent:
		s.mu.Lock()
		if b, ok := s.openCalls[e.CallID]; ok {
			delete(s.openCalls, e.CallID)
			s.foldToolCall(e.CallID, b)
		}
		s.mu.Unlock()

	case *protocol.StateSnapshotEvent:
		s.rec.ApplySnapshot(e.Snapshot)

	case *protocol.StateDeltaEvent:
		s.rec.ApplyDelta(e.Delta)

	case *protocol.MessagesSnapshotEvent:
		s.mu.Lock()
		s.messages = append(s.messages[:0:0], e.Messages...)
		s.mu.Unlock()

	case *protocol.CustomEvent:
		if e.Name == protocol.CustomNameSuspension {
			s.acceptSuspension(e)
		}
		// Unregistered names are ignored, never an error.

	case *protocol.RawEvent:
		// Opaque pass-through; nothing to fold.

	case *protocol.UnknownEvent:
		// Forward-compatible kind from a newer peer: keeps its seq position,
		// folds nothing.
		s.log.Debug("ignoring unknown envelope kind", "type", e.Type())
	}
}

// foldToolCall attaches a completed tool call to its parent assistant
// message, or to a fresh one when the parent is unknown. Caller holds s.mu.
func (s *Session) foldToolCall(callID string, b *callBuild) {
	call := run.ToolCall{
		ID:   callID,
		Type: "function",
		Function: run.Function{
			Name:      b.name,
			Arguments: b.args.String(),
		},
	}
	if b.parentID != "" {
		for i := range s.messages {
			if s.messages[i].ID == b.parentID {
				s.messages[i].ToolCalls = append(s.messages[i].ToolCalls, call)
				return
			}
		}
	}
	s.messages = append(s.messages, run.Message{
		ID:        uuid.NewString(),
		Role:      "assistant",
		ToolCalls: []run.ToolCall{call},
	})
}

func (s *Session) acceptSuspension(e *protocol.CustomEvent) {
	var req suspend.Request
	if err := json.Unmarshal(e.Value, &req); err != nil {
		s.log.Error("undecodable suspension request", "error", err)
		return
	}
	if err := s.ctrl.Suspend(req); err != nil {
		if errors.Is(err, suspend.ErrSuspensionOutstanding) {
			s.log.Warn("dropping suspension request, one already outstanding",
				"suspension_id", req.ID)
			return
		}
		s.log.Error("suspend", "error", err)
	}
}

func toAnyList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
