package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType marks an envelope whose kind this build does not
// recognize. Unknown kinds are forward-compatible: consumers log and ignore
// the envelope (keeping its sequence position) instead of aborting the stream.
var ErrUnknownEventType = errors.New("unknown event type")

// Encode serializes an envelope as a single JSON object, writing the kind's
// fixed discriminator into the metadata first. An UnknownEvent re-encodes as
// its original wire bytes.
func Encode(ev Event) ([]byte, error) {
	if u, ok := ev.(*UnknownEvent); ok {
		return u.Payload, nil
	}
	ev.Envelope().EventType = ev.Type()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return data, nil
}

// Decode parses one wire envelope, dispatching on the "type" discriminator.
// Unrecognized kinds return an *UnknownEvent carrying the envelope's metadata
// and raw bytes, together with ErrUnknownEventType wrapped with the kind name.
func Decode(data []byte) (Event, error) {
	var probe struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	switch probe.Type {
	case EventRunStarted:
		ev = &RunStartedEvent{}
	case EventRunFinished:
		ev = &RunFinishedEvent{}
	case EventRunError:
		ev = &RunErrorEvent{}
	case EventTextMessageStart:
		ev = &TextMessageStartEvent{}
	case EventTextMessageContent:
		ev = &TextMessageContentEvent{}
	case EventTextMessageEnd:
		ev = &TextMessageEndEvent{}
	case EventToolCallStart:
		ev = &ToolCallStartEvent{}
	case EventToolCallArgs:
		ev = &ToolCallArgsEvent{}
	case EventToolCallEnd:
		ev = &ToolCallEndEvent{}
	case EventStateSnapshot:
		ev = &StateSnapshotEvent{}
	case EventStateDelta:
		ev = &StateDeltaEvent{}
	case EventMessagesSnapshot:
		ev = &MessagesSnapshotEvent{}
	case EventCustom:
		ev = &CustomEvent{}
	case EventRaw:
		ev = &RawEvent{}
	default:
		unknown := &UnknownEvent{Payload: append([]byte(nil), data...)}
		if err := json.Unmarshal(data, &unknown.Meta); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return unknown, fmt.Errorf("%w: %q", ErrUnknownEventType, probe.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
	}
	return ev, nil
}
