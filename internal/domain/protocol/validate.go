package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation marks an envelope that breaks stream ordering rules.
var ErrProtocolViolation = errors.New("protocol violation")

// StreamValidator checks the per-run ordering invariants of one envelope
// stream: sequence positions strictly increasing and gapless, RUN_STARTED
// first, nothing after a terminal envelope, and content/argument deltas only
// between the matching start and end envelopes for their id.
//
// The validator observes one run; create a fresh one per run.
type StreamValidator struct {
	runID    string
	nextSeq  int64
	started  bool
	terminal bool

	openMessages  map[string]bool
	openToolCalls map[string]bool
}

// NewStreamValidator returns a validator expecting sequence positions to
// start at 1.
func NewStreamValidator() *StreamValidator {
	return &StreamValidator{
		nextSeq:       1,
		openMessages:  make(map[string]bool),
		openToolCalls: make(map[string]bool),
	}
}

// Observe checks one envelope in arrival order.
func (v *StreamValidator) Observe(ev Event) error {
	m := ev.Envelope()
	t := ev.Type()

	if v.terminal {
		return fmt.Errorf("%w: %s after terminal envelope", ErrProtocolViolation, t)
	}
	if m.Seq != v.nextSeq {
		return fmt.Errorf("%w: seq %d, want %d (gapless, strictly increasing)", ErrProtocolViolation, m.Seq, v.nextSeq)
	}
	v.nextSeq++

	if !v.started {
		if t != EventRunStarted {
			return fmt.Errorf("%w: first envelope is %s, want %s", ErrProtocolViolation, t, EventRunStarted)
		}
		v.started = true
		v.runID = m.RunID
		return nil
	}
	if m.RunID != v.runID {
		return fmt.Errorf("%w: run id %q, want %q", ErrProtocolViolation, m.RunID, v.runID)
	}

	switch e := ev.(type) {
	case *RunStartedEvent:
		return fmt.Errorf("%w: duplicate %s", ErrProtocolViolation, EventRunStarted)
	case *RunFinishedEvent, *RunErrorEvent:
		v.terminal = true
	case *TextMessageStartEvent:
		if v.openMessages[e.MessageID] {
			return fmt.Errorf("%w: message %q already open", ErrProtocolViolation, e.MessageID)
		}
		v.openMessages[e.MessageID] = true
	case *TextMessageContentEvent:
		if !v.openMessages[e.MessageID] {
			return fmt.Errorf("%w: content for unopened message %q", ErrProtocolViolation, e.MessageID)
		}
	case *TextMessageEndEvent:
		if !v.openMessages[e.MessageID] {
			return fmt.Errorf("%w: end for unopened message %q", ErrProtocolViolation, e.MessageID)
		}
		delete(v.openMessages, e.MessageID)
	case *ToolCallStartEvent:
		if v.openToolCalls[e.CallID] {
			return fmt.Errorf("%w: tool call %q already open", ErrProtocolViolation, e.CallID)
		}
		v.openToolCalls[e.CallID] = true
	case *ToolCallArgsEvent:
		if !v.openToolCalls[e.CallID] {
			return fmt.Errorf("%w: args for unopened tool call %q", ErrProtocolViolation, e.CallID)
		}
	case *ToolCallEndEvent:
		if !v.openToolCalls[e.CallID] {
			return fmt.Errorf("%w: end for unopened tool call %q", ErrProtocolViolation, e.CallID)
		}
		delete(v.openToolCalls, e.CallID)
	case *StateSnapshotEvent, *StateDeltaEvent, *MessagesSnapshotEvent, *CustomEvent, *RawEvent, *UnknownEvent:
		// No ordering constraints beyond seq; unknown kinds hold a position
		// like any other envelope.
	}
	return nil
}

// Finished reports whether a terminal envelope has been observed.
func (v *StreamValidator) Finished() bool { return v.terminal }

// ValidateSequence checks a complete envelope sequence in order.
func ValidateSequence(events []Event) error {
	v := NewStreamValidator()
	for i, ev := range events {
		if err := v.Observe(ev); err != nil {
			return fmt.Errorf("envelope %d: %w", i, err)
		}
	}
	return nil
}
