package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/AgentBridge/internal/domain/state"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := &TextMessageContentEvent{MessageID: "m1", Delta: "hello"}
	ev.Stamp("run-1", 3)

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	content, ok := got.(*TextMessageContentEvent)
	if !ok {
		t.Fatalf("expected *TextMessageContentEvent, got %T", got)
	}
	if content.RunID != "run-1" || content.Seq != 3 || content.Delta != "hello" {
		t.Fatalf("round trip lost fields: %+v", content)
	}
}

func TestDecodeWireCasing(t *testing.T) {
	data := []byte(`{"type":"TOOL_CALL_START","runId":"r1","seq":2,"toolCallId":"c1","toolCallName":"get_weather"}`)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := got.(*ToolCallStartEvent)
	if !ok {
		t.Fatalf("expected *ToolCallStartEvent, got %T", got)
	}
	if start.CallID != "c1" || start.Name != "get_weather" {
		t.Fatalf("unexpected fields: %+v", start)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	raw := `{"type":"THINKING_START","runId":"r1","seq":5}`
	ev, err := Decode([]byte(raw))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if !strings.Contains(err.Error(), "THINKING_START") {
		t.Fatalf("error should name the kind: %v", err)
	}

	// Tolerant consumers keep the envelope: metadata and bytes survive.
	unknown, ok := ev.(*UnknownEvent)
	if !ok {
		t.Fatalf("expected *UnknownEvent, got %T", ev)
	}
	if unknown.Type() != EventType("THINKING_START") {
		t.Fatalf("unexpected kind: %s", unknown.Type())
	}
	if unknown.RunID != "r1" || unknown.Seq != 5 {
		t.Fatalf("metadata lost: %+v", unknown.Meta)
	}
	reencoded, err := Encode(unknown)
	if err != nil {
		t.Fatalf("encode unknown: %v", err)
	}
	if string(reencoded) != raw {
		t.Fatalf("unknown envelope not preserved verbatim: %s", reencoded)
	}
}

func TestEncodeSetsDiscriminator(t *testing.T) {
	// Constructors never set the wire discriminator by hand; Encode writes
	// the kind's fixed value.
	ev := &TextMessageEndEvent{MessageID: "m1"}
	ev.Stamp("r1", 4)

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":"TEXT_MESSAGE_END"`) {
		t.Fatalf("missing discriminator: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type() != EventTextMessageEnd {
		t.Fatalf("round trip changed kind: %s", got.Type())
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestDecodeStateSnapshot(t *testing.T) {
	data := []byte(`{"type":"STATE_SNAPSHOT","runId":"r1","seq":4,"snapshot":{"project_name":"Redesign","tasks":[]}}`)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snap := got.(*StateSnapshotEvent)
	if snap.Snapshot["project_name"] != "Redesign" {
		t.Fatalf("unexpected snapshot: %v", snap.Snapshot)
	}
}

func TestDecodeAllKinds(t *testing.T) {
	samples := map[EventType]string{
		EventRunStarted:         `{"type":"RUN_STARTED","runId":"r","seq":1}`,
		EventRunFinished:        `{"type":"RUN_FINISHED","runId":"r","seq":2}`,
		EventRunError:           `{"type":"RUN_ERROR","runId":"r","seq":2,"message":"boom","code":"X"}`,
		EventTextMessageStart:   `{"type":"TEXT_MESSAGE_START","runId":"r","seq":2,"messageId":"m","role":"assistant"}`,
		EventTextMessageContent: `{"type":"TEXT_MESSAGE_CONTENT","runId":"r","seq":3,"messageId":"m","delta":"x"}`,
		EventTextMessageEnd:     `{"type":"TEXT_MESSAGE_END","runId":"r","seq":4,"messageId":"m"}`,
		EventToolCallStart:      `{"type":"TOOL_CALL_START","runId":"r","seq":2,"toolCallId":"c","toolCallName":"t"}`,
		EventToolCallArgs:       `{"type":"TOOL_CALL_ARGS","runId":"r","seq":3,"toolCallId":"c","delta":"{}"}`,
		EventToolCallEnd:        `{"type":"TOOL_CALL_END","runId":"r","seq":4,"toolCallId":"c"}`,
		EventStateSnapshot:      `{"type":"STATE_SNAPSHOT","runId":"r","seq":2,"snapshot":{}}`,
		EventStateDelta:         `{"type":"STATE_DELTA","runId":"r","seq":2,"delta":{"x":1}}`,
		EventMessagesSnapshot:   `{"type":"MESSAGES_SNAPSHOT","runId":"r","seq":2,"messages":[]}`,
		EventCustom:             `{"type":"CUSTOM","runId":"r","seq":2,"name":"n","value":{}}`,
		EventRaw:                `{"type":"RAW","runId":"r","seq":2,"event":{"k":1}}`,
	}

	for kind, raw := range samples {
		ev, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", kind, err)
		}
		if ev.Type() != kind {
			t.Fatalf("decoded %s as %s", kind, ev.Type())
		}
	}
}

func TestCustomEventValueOpaque(t *testing.T) {
	ev := &CustomEvent{Name: CustomNameSuspension, Value: json.RawMessage(`{"steps":["A","B"]}`)}
	ev.Stamp("r1", 2)

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	custom := got.(*CustomEvent)
	if string(custom.Value) != `{"steps":["A","B"]}` {
		t.Fatalf("payload not preserved verbatim: %s", custom.Value)
	}
}

func TestStateDocumentUsable(t *testing.T) {
	// STATE_DELTA payloads must merge with the document semantics.
	base := state.Document{"x": 1}
	ev := &StateDeltaEvent{Delta: state.Document{"y": 2}}
	merged := state.Merge(base, ev.Delta)
	if merged["y"] != float64(2) {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}
