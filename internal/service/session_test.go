package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentBridge/internal/config"
	"github.com/Strob0t/AgentBridge/internal/domain"
	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
	"github.com/Strob0t/AgentBridge/internal/ledger"
	"github.com/Strob0t/AgentBridge/internal/port/agentbackend"
	"github.com/Strob0t/AgentBridge/internal/port/eventstore"
)

// funcBackend adapts a function to the backend port for tests.
type funcBackend struct {
	fn func(ctx context.Context, rc agentbackend.RunContext) error
}

func (b *funcBackend) Name() string { return "test" }
func (b *funcBackend) Run(ctx context.Context, rc agentbackend.RunContext) error {
	return b.fn(ctx, rc)
}

// memEventStore is an in-memory eventstore.Store.
type memEventStore struct {
	mu        sync.Mutex
	events    []eventstore.StoredEvent
	decisions []eventstore.DecisionRecord
}

func (m *memEventStore) Append(_ context.Context, ev *eventstore.StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memEventStore) LoadByRun(_ context.Context, runID string) ([]eventstore.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventstore.StoredEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEventStore) LoadByThread(_ context.Context, threadID string) ([]eventstore.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventstore.StoredEvent
	for _, ev := range m.events {
		if ev.ThreadID == threadID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEventStore) RecordDecision(_ context.Context, rec *eventstore.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *rec)
	return nil
}

func (m *memEventStore) DecisionsByRun(_ context.Context, runID string) ([]eventstore.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventstore.DecisionRecord
	for _, rec := range m.decisions {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testConfig() config.Runtime {
	return config.Runtime{
		Backend:           "test",
		SuspensionTimeout: 2 * time.Second,
		StreamBuffer:      64,
		KeepaliveInterval: time.Second,
	}
}

func testInput(threadID string) run.Input {
	return run.Input{
		ThreadID: threadID,
		Messages: []run.Message{{ID: "m1", Role: "user", Content: "hello"}},
	}
}

func collect(t *testing.T, stream <-chan protocol.Event) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestRunStreamIsOrderedAndFramed(t *testing.T) {
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		if err := rc.Emit(&protocol.TextMessageStartEvent{MessageID: "m", Role: "assistant"}); err != nil {
			return err
		}
		if err := rc.Emit(&protocol.TextMessageContentEvent{MessageID: "m", Delta: "hi"}); err != nil {
			return err
		}
		return rc.Emit(&protocol.TextMessageEndEvent{MessageID: "m"})
	}})

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	if events[0].Type() != protocol.EventRunStarted {
		t.Fatalf("first envelope: %s", events[0].Type())
	}
	if events[len(events)-1].Type() != protocol.EventRunFinished {
		t.Fatalf("last envelope: %s", events[len(events)-1].Type())
	}

	v := protocol.NewStreamValidator()
	for _, ev := range events {
		if err := v.Observe(ev); err != nil {
			t.Fatalf("stream invalid at seq %d: %v", ev.Envelope().Seq, err)
		}
	}
	if !v.Finished() {
		t.Fatal("validator not terminal")
	}
	for i, ev := range events {
		if ev.Envelope().Seq != int64(i+1) {
			t.Fatalf("seq gap: envelope %d has seq %d", i, ev.Envelope().Seq)
		}
	}
}

func TestSecondRunRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(ctx context.Context, _ agentbackend.RunContext) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.StartRun(context.Background(), testInput("t1"))
	if !errors.Is(err, domain.ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}

	// A different session is unaffected.
	other, err := svc.StartRun(context.Background(), testInput("t2"))
	if err != nil {
		t.Fatalf("independent session blocked: %v", err)
	}

	close(release)
	collect(t, stream)
	collect(t, other)

	// After completion the session accepts a new run.
	stream, err = svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatalf("session not released: %v", err)
	}
	collect(t, stream)
}

func TestBackendErrorEmitsRunErrorAndPreservesState(t *testing.T) {
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		if err := rc.Emit(&protocol.StateSnapshotEvent{Snapshot: state.Document{"progress": float64(3)}}); err != nil {
			return err
		}
		return errors.New("model exploded")
	}})

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	last := events[len(events)-1]
	re, ok := last.(*protocol.RunErrorEvent)
	if !ok {
		t.Fatalf("expected terminal RUN_ERROR, got %s", last.Type())
	}
	if re.Message != "model exploded" {
		t.Fatalf("error message: %q", re.Message)
	}

	// The snapshot before the failure is still part of the stream; nothing
	// rolled it back.
	var snapshots int
	for _, ev := range events {
		if _, ok := ev.(*protocol.StateSnapshotEvent); ok {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Fatalf("expected the pre-error snapshot, got %d", snapshots)
	}
}

func TestSuspensionRoundTrip(t *testing.T) {
	var resolved json.RawMessage
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(ctx context.Context, rc agentbackend.RunContext) error {
		value, err := rc.Await(ctx, json.RawMessage(`{"question":"pick one"}`))
		if err != nil {
			return err
		}
		resolved = value
		return nil
	}})

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the suspension envelope, then resolve out-of-band.
	var runID string
	var sawSuspension bool
	done := make(chan []protocol.Event, 1)
	go func() { done <- collect(t, stream) }()

	deadline := time.After(3 * time.Second)
	for runID == "" {
		select {
		case <-deadline:
			t.Fatal("suspension envelope never arrived")
		default:
			time.Sleep(10 * time.Millisecond)
		}
		svc.mu.Lock()
		for id := range svc.runIndex {
			if sess := svc.runIndex[id]; sess != nil {
				if _, pending := sess.ctrl.Pending(); pending {
					runID = id
				}
			}
		}
		svc.mu.Unlock()
	}

	if err := svc.ResolveSuspension(context.Background(), runID, json.RawMessage(`"A"`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Exactly one resolution is accepted.
	if err := svc.ResolveSuspension(context.Background(), runID, json.RawMessage(`"B"`)); err == nil {
		t.Fatal("second resolve must fail")
	}

	events := <-done
	for _, ev := range events {
		if c, ok := ev.(*protocol.CustomEvent); ok && c.Name == protocol.CustomNameSuspension {
			sawSuspension = true
		}
	}
	if !sawSuspension {
		t.Fatal("expected a suspension_request CUSTOM envelope")
	}
	if events[len(events)-1].Type() != protocol.EventRunFinished {
		t.Fatalf("run did not finish after resumption: %s", events[len(events)-1].Type())
	}
	if string(resolved) != `"A"` {
		t.Fatalf("resolution value: %s", resolved)
	}
}

func TestBackendFinishingWhileSuspendedFailsRun(t *testing.T) {
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		// Suspend, abandon the wait, and claim success anyway.
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		_, _ = rc.Await(cancelled, json.RawMessage(`{}`))
		return nil
	}})

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	if events[len(events)-1].Type() != protocol.EventRunError {
		t.Fatalf("expected RUN_ERROR, got %s", events[len(events)-1].Type())
	}

	// The session recovers for the next run.
	stream, err = svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatalf("session wedged after contract breach: %v", err)
	}
	collect(t, stream)
}

func TestDecisionsRestoredFromRequestState(t *testing.T) {
	var decision ledger.Decision
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		decision = rc.Decisions("a1")
		return nil
	}})

	in := testInput("t1")
	in.State = state.Document{
		run.StateFieldApprovedIDs: []any{"a1"},
		run.StateFieldRejectedIDs: []any{"a2"},
	}
	stream, err := svc.StartRun(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, stream)

	if decision != ledger.DecisionApproved {
		t.Fatalf("ledger not restored from request state: %s", decision)
	}
}

func TestApproveRejectAuditedAndReplay(t *testing.T) {
	store := &memEventStore{}
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		return rc.Emit(&protocol.TextMessageStartEvent{MessageID: "m", Role: "assistant"})
	}})
	svc.SetEventStore(store)

	in := testInput("t1")
	in.RunID = "r1"
	stream, err := svc.StartRun(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, stream)

	if err := svc.Approve(context.Background(), "r1", "a1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Reject(context.Background(), "r1", "a1"); err != nil {
		t.Fatal(err)
	}

	recs, err := store.DecisionsByRun(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(recs))
	}
	if recs[0].Decision != "approved" || recs[1].Decision != "rejected" {
		t.Fatalf("audit order wrong: %v", recs)
	}

	// Replay returns the persisted envelopes in order and decodes cleanly.
	payloads, err := svc.Events(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) < 3 {
		t.Fatalf("expected at least started/message/terminal, got %d", len(payloads))
	}
	for _, p := range payloads {
		if _, err := protocol.Decode(p); err != nil {
			t.Fatalf("replayed envelope does not decode: %v", err)
		}
	}

	// Unknown runs are not found.
	if _, err := svc.Events(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// memRunStore is an in-memory RunRecorder.
type memRunStore struct {
	mu   sync.Mutex
	rows map[string]run.Run
}

func newMemRunStore() *memRunStore { return &memRunStore{rows: make(map[string]run.Run)} }

func (m *memRunStore) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	return nil
}

func (m *memRunStore) UpdateStatus(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	return nil
}

func (m *memRunStore) Get(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *memRunStore) ListByThread(_ context.Context, threadID string) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.rows {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestClientGoneBeforeFirstEnvelopeFailsRun(t *testing.T) {
	store := newMemRunStore()
	cfg := testConfig()
	cfg.StreamBuffer = 0 // delivery requires a live reader
	svc := NewSessionService(cfg, &funcBackend{fn: func(_ context.Context, _ agentbackend.RunContext) error {
		return nil
	}})
	svc.SetRunStore(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := testInput("t1")
	in.RunID = "r1"
	stream, err := svc.StartRun(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	// Nobody reads the stream: RUN_STARTED cannot be delivered, and the run
	// row must still reach a terminal status.
	deadline := time.After(3 * time.Second)
	for {
		r, err := store.Get(context.Background(), "r1")
		if err == nil && r.Status == run.StatusFailed {
			if r.CompletedAt == nil {
				t.Fatal("failed run has no completion time")
			}
			if r.ErrorCode != "CANCELLED" {
				t.Fatalf("error code %q", r.ErrorCode)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run row never reached a terminal status: %+v", r)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	for range stream {
	}
}

func TestRunIndexKeepsOnlyMostRecentRun(t *testing.T) {
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, _ agentbackend.RunContext) error {
		return nil
	}})

	for _, id := range []string{"r1", "r2"} {
		in := testInput("t1")
		in.RunID = id
		stream, err := svc.StartRun(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		collect(t, stream)
	}

	// Post-run decisions address the newest run; the superseded index entry
	// is pruned so the index stays bounded per session.
	if err := svc.Approve(context.Background(), "r2", "a1"); err != nil {
		t.Fatalf("approve on current run: %v", err)
	}
	if err := svc.Approve(context.Background(), "r1", "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected pruned run to be unknown, got %v", err)
	}
}

// memCache is an in-memory cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestLatestStateServedFromCache(t *testing.T) {
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		return rc.Emit(&protocol.StateSnapshotEvent{Snapshot: state.Document{"topic": "cached"}})
	}})
	svc.SetCache(newMemCache(), time.Hour)

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}
	collect(t, stream)

	doc, err := svc.LatestState(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if doc["topic"] != "cached" {
		t.Fatalf("topic = %v", doc["topic"])
	}
}

func TestLatestStateRebuiltFromEventStore(t *testing.T) {
	store := &memEventStore{}
	svc := NewSessionService(testConfig(), &funcBackend{fn: func(_ context.Context, rc agentbackend.RunContext) error {
		if err := rc.Emit(&protocol.StateSnapshotEvent{Snapshot: state.Document{"a": "1", "b": "1"}}); err != nil {
			return err
		}
		return rc.Emit(&protocol.StateDeltaEvent{Delta: state.Document{"b": "2"}})
	}})
	svc.SetEventStore(store)

	stream, err := svc.StartRun(context.Background(), testInput("t1"))
	if err != nil {
		t.Fatal(err)
	}
	collect(t, stream)

	// No cache attached: the state comes back from the persisted stream.
	doc, err := svc.LatestState(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if doc["a"] != "1" || doc["b"] != "2" {
		t.Fatalf("rebuilt state: %v", doc)
	}

	if _, err := svc.LatestState(context.Background(), "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
