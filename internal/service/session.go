// Package service wires the protocol core to the adapters: it owns sessions,
// stamps envelope ordering, fans events out to every consumer, and exposes
// the resolve/approve surface the HTTP layer calls into.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentBridge/internal/adapter/otel"
	"github.com/Strob0t/AgentBridge/internal/adapter/ws"
	"github.com/Strob0t/AgentBridge/internal/config"
	"github.com/Strob0t/AgentBridge/internal/domain"
	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/domain/state"
	"github.com/Strob0t/AgentBridge/internal/ledger"
	"github.com/Strob0t/AgentBridge/internal/logger"
	"github.com/Strob0t/AgentBridge/internal/port/agentbackend"
	"github.com/Strob0t/AgentBridge/internal/port/broadcast"
	"github.com/Strob0t/AgentBridge/internal/port/cache"
	"github.com/Strob0t/AgentBridge/internal/port/eventstore"
	"github.com/Strob0t/AgentBridge/internal/port/messagequeue"
	"github.com/Strob0t/AgentBridge/internal/suspend"
)

// RunRecorder persists run lifecycle rows.
type RunRecorder interface {
	Create(ctx context.Context, r *run.Run) error
	UpdateStatus(ctx context.Context, r *run.Run) error
	Get(ctx context.Context, id string) (*run.Run, error)
	ListByThread(ctx context.Context, threadID string) ([]run.Run, error)
}

// session is the per-thread execution context. The suspension controller and
// approval ledger live here so they survive across the thread's runs.
type session struct {
	threadID string
	ctrl     *suspend.Controller
	led      *ledger.Ledger

	mu       sync.Mutex
	inFlight string // run id, or "" when idle

	// lastIndexed is the session's newest run id in the service run index.
	// Guarded by the service mutex, not the session's.
	lastIndexed string
}

// SessionService executes runs one at a time per session and owns the
// ordering stamp for every envelope that leaves the server.
type SessionService struct {
	cfg     config.Runtime
	backend agentbackend.Backend

	runs     RunRecorder           // optional
	events   eventstore.Store      // optional
	queue    messagequeue.Queue    // optional
	hub      broadcast.Broadcaster // optional
	cache    cache.Cache           // optional
	cacheTTL time.Duration
	metrics  *otel.Metrics // optional

	mu       sync.Mutex
	sessions map[string]*session // by thread id
	runIndex map[string]*session // by run id
}

// NewSessionService creates a SessionService driving the given backend.
func NewSessionService(cfg config.Runtime, backend agentbackend.Backend) *SessionService {
	return &SessionService{
		cfg:      cfg,
		backend:  backend,
		sessions: make(map[string]*session),
		runIndex: make(map[string]*session),
	}
}

// SetRunStore attaches run row persistence.
func (s *SessionService) SetRunStore(r RunRecorder) { s.runs = r }

// SetEventStore attaches the append-only envelope store.
func (s *SessionService) SetEventStore(es eventstore.Store) { s.events = es }

// SetQueue attaches the message queue for the per-run event firehose.
func (s *SessionService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster attaches the observer hub.
func (s *SessionService) SetBroadcaster(h broadcast.Broadcaster) { s.hub = h }

// SetCache attaches the snapshot cache.
func (s *SessionService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
}

// SetMetrics attaches metric instruments.
func (s *SessionService) SetMetrics(m *otel.Metrics) { s.metrics = m }

func (s *SessionService) session(threadID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[threadID]
	if !ok {
		sess = &session{
			threadID: threadID,
			ctrl:     suspend.NewController(),
			led:      ledger.New(),
		}
		s.sessions[threadID] = sess
	}
	return sess
}

// StartRun begins a run for the session and returns the ordered stream of
// stamped envelopes. The channel is closed after the terminal envelope.
// A second run on the same session while one is outstanding returns
// domain.ErrRunInFlight; nothing is queued.
func (s *SessionService) StartRun(ctx context.Context, in run.Input) (<-chan protocol.Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.ThreadID == "" {
		in.ThreadID = uuid.NewString()
	}
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}

	sess := s.session(in.ThreadID)

	sess.mu.Lock()
	if sess.inFlight != "" {
		sess.mu.Unlock()
		return nil, fmt.Errorf("run %s outstanding on thread %s: %w",
			sess.inFlight, in.ThreadID, domain.ErrRunInFlight)
	}
	sess.inFlight = in.RunID
	sess.mu.Unlock()

	// The index keeps each session's most recent run addressable so the
	// resolve/approve surface works after the run completes; the entry for
	// the run before it is pruned to keep the index bounded.
	s.mu.Lock()
	if prev := sess.lastIndexed; prev != "" && prev != in.RunID {
		delete(s.runIndex, prev)
	}
	sess.lastIndexed = in.RunID
	s.runIndex[in.RunID] = sess
	s.mu.Unlock()

	// The ledger is restored from the incoming request state on every run;
	// the request is the source of truth, never an in-memory carryover.
	sess.led.Restore(stateIDList(in.State, run.StateFieldApprovedIDs),
		stateIDList(in.State, run.StateFieldRejectedIDs))

	r := &run.Run{
		ID:        in.RunID,
		ThreadID:  in.ThreadID,
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if s.runs != nil {
		if err := s.runs.Create(ctx, r); err != nil {
			s.release(sess, in.RunID)
			return nil, err
		}
	}

	stream := make(chan protocol.Event, s.cfg.StreamBuffer)
	go s.execute(ctx, sess, r, in, stream)
	return stream, nil
}

// execute drives the backend and guarantees exactly one terminal envelope.
func (s *SessionService) execute(ctx context.Context, sess *session, r *run.Run, in run.Input, stream chan<- protocol.Event) {
	defer close(stream)
	defer s.release(sess, r.ID)

	ctx = logger.WithRunID(ctx, r.ID)
	ctx, span := otel.StartRunSpan(ctx, r.ID, r.ThreadID)
	defer span.End()

	emitter := s.newEmitter(ctx, r, stream)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1)
	}

	if err := emitter.emit(&protocol.RunStartedEvent{ThreadID: r.ThreadID}); err != nil {
		// Client gone before the first envelope: the run row still needs a
		// terminal status.
		slog.Error("emit run started", "run_id", r.ID, "error", err)
		s.finishRun(r, run.StatusFailed, err.Error(), "CANCELLED", emitter.seq)
		if s.metrics != nil {
			s.metrics.RunsFailed.Add(ctx, 1)
		}
		return
	}

	rc := agentbackend.RunContext{
		Input:     in,
		Emit:      emitter.emit,
		Await:     s.awaitFunc(sess, r.ID, emitter),
		Decisions: sess.led.Decision,
	}

	err := s.backend.Run(ctx, rc)

	// A backend that returns success while a suspension is outstanding has
	// broken the contract: the run cannot finish awaiting input.
	if err == nil && sess.ctrl.State() != suspend.Idle {
		err = suspend.ErrSuspensionOutstanding
	}
	if sess.ctrl.State() != suspend.Idle {
		sess.ctrl.Abort()
	}

	if err != nil {
		code := "AGENT"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = "CANCELLED"
		}
		if emitErr := emitter.emit(&protocol.RunErrorEvent{Message: err.Error(), Code: code}); emitErr != nil {
			slog.Error("emit run error", "run_id", r.ID, "error", emitErr)
		}
		s.finishRun(r, run.StatusFailed, err.Error(), code, emitter.seq)
		if s.metrics != nil {
			s.metrics.RunsFailed.Add(ctx, 1)
		}
		return
	}

	if err := emitter.emit(&protocol.RunFinishedEvent{}); err != nil {
		slog.Error("emit run finished", "run_id", r.ID, "error", err)
	}
	s.finishRun(r, run.StatusCompleted, "", "", emitter.seq)
	if s.metrics != nil {
		s.metrics.RunsFinished.Add(ctx, 1)
		s.metrics.RunDuration.Record(ctx, time.Since(r.StartedAt).Seconds())
	}
}

func (s *SessionService) finishRun(r *run.Run, status run.Status, errMsg, code string, lastSeq int64) {
	r.Status = status
	r.Error = errMsg
	r.ErrorCode = code
	r.LastSeq = lastSeq
	now := time.Now().UTC()
	r.CompletedAt = &now
	if s.runs != nil {
		// Run bookkeeping must survive client disconnects.
		if err := s.runs.UpdateStatus(context.Background(), r); err != nil {
			slog.Error("update run status", "run_id", r.ID, "error", err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(context.Background(), ws.EventRunStatus, ws.RunStatusEvent{
			RunID:    r.ID,
			ThreadID: r.ThreadID,
			Status:   string(r.Status),
		})
	}
}

func (s *SessionService) release(sess *session, runID string) {
	sess.mu.Lock()
	if sess.inFlight == runID {
		sess.inFlight = ""
	}
	sess.mu.Unlock()
}

// awaitFunc builds the backend's suspension hook: emit the request envelope,
// then block for the resolution.
func (s *SessionService) awaitFunc(sess *session, runID string, em *emitter) func(context.Context, json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		req := suspend.Request{ID: uuid.NewString(), RunID: runID, Payload: payload}
		if err := sess.ctrl.Suspend(req); err != nil {
			return nil, err
		}

		value, _ := json.Marshal(req)
		if err := em.emit(&protocol.CustomEvent{
			Name:  protocol.CustomNameSuspension,
			Value: value,
		}); err != nil {
			return nil, err
		}

		ctx, span := otel.StartSuspensionSpan(ctx, runID, req.ID)
		defer span.End()
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SuspensionTimeout)
		defer cancel()

		start := time.Now()
		resolution, err := sess.ctrl.Await(waitCtx)
		if s.metrics != nil {
			s.metrics.SuspensionWait.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			return nil, fmt.Errorf("await resolution: %w", err)
		}
		return resolution, nil
	}
}

// ResolveSuspension accepts the single resolution value for the run's
// outstanding suspension.
func (s *SessionService) ResolveSuspension(_ context.Context, runID string, value json.RawMessage) error {
	sess := s.sessionByRun(runID)
	if sess == nil {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return sess.ctrl.Resolve(value)
}

// Approve records a human approval for a pending action and audits it.
func (s *SessionService) Approve(ctx context.Context, runID, actionID string) error {
	return s.decide(ctx, runID, actionID, string(ledger.DecisionApproved))
}

// Reject records a human rejection for a pending action and audits it.
func (s *SessionService) Reject(ctx context.Context, runID, actionID string) error {
	return s.decide(ctx, runID, actionID, string(ledger.DecisionRejected))
}

func (s *SessionService) decide(ctx context.Context, runID, actionID, decision string) error {
	sess := s.sessionByRun(runID)
	if sess == nil {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	if decision == string(ledger.DecisionApproved) {
		sess.led.Approve(actionID)
	} else {
		sess.led.Reject(actionID)
	}

	if s.events != nil {
		rec := &eventstore.DecisionRecord{RunID: runID, ActionID: actionID, Decision: decision}
		if err := s.events.RecordDecision(ctx, rec); err != nil {
			slog.Error("record decision", "run_id", runID, "action_id", actionID, "error", err)
		}
	}
	if s.queue != nil {
		payload, _ := json.Marshal(messagequeue.DecisionNoticePayload{
			RunID: runID, ActionID: actionID, Decision: decision,
		})
		if err := s.queue.Publish(ctx, messagequeue.RunDecisionsSubject(runID), payload); err != nil {
			slog.Error("publish decision", "run_id", runID, "error", err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventDecision, ws.DecisionEvent{
			RunID: runID, ActionID: actionID, Decision: decision,
		})
	}
	if s.metrics != nil {
		s.metrics.Decisions.Add(ctx, 1)
	}
	return nil
}

// Events replays a run's persisted envelopes in seq order.
func (s *SessionService) Events(ctx context.Context, runID string) ([]json.RawMessage, error) {
	if s.events == nil {
		return nil, fmt.Errorf("event replay: %w", domain.ErrNotFound)
	}
	stored, err := s.events.LoadByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	out := make([]json.RawMessage, len(stored))
	for i, ev := range stored {
		out[i] = json.RawMessage(ev.Payload)
	}
	return out, nil
}

// GetRun returns the run row.
func (s *SessionService) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return s.runs.Get(ctx, runID)
}

// RunsByThread returns a thread's run rows, oldest first.
func (s *SessionService) RunsByThread(ctx context.Context, threadID string) ([]run.Run, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("thread %s runs: %w", threadID, domain.ErrNotFound)
	}
	return s.runs.ListByThread(ctx, threadID)
}

// DecisionAudit returns the recorded approval decisions for a run, in the
// order they were made.
func (s *SessionService) DecisionAudit(ctx context.Context, runID string) ([]eventstore.DecisionRecord, error) {
	if s.events == nil {
		return nil, fmt.Errorf("decision audit: %w", domain.ErrNotFound)
	}
	return s.events.DecisionsByRun(ctx, runID)
}

// LatestState returns a thread's last agent-authoritative state: the cached
// snapshot when warm, otherwise rebuilt from the persisted envelope stream
// (last snapshot plus the deltas after it). Serves reconnecting clients that
// lost their local view.
func (s *SessionService) LatestState(ctx context.Context, threadID string) (state.Document, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, snapshotCacheKey(threadID)); err == nil && ok {
			var doc state.Document
			if json.Unmarshal(data, &doc) == nil {
				return doc, nil
			}
		}
	}

	if s.events == nil {
		return nil, fmt.Errorf("thread %s state: %w", threadID, domain.ErrNotFound)
	}
	stored, err := s.events.LoadByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var doc state.Document
	found := false
	for _, ev := range stored {
		decoded, err := protocol.Decode(ev.Payload)
		if err != nil {
			continue
		}
		switch e := decoded.(type) {
		case *protocol.StateSnapshotEvent:
			doc = e.Snapshot
			found = true
		case *protocol.StateDeltaEvent:
			doc = state.Merge(doc, e.Delta)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("thread %s state: %w", threadID, domain.ErrNotFound)
	}
	return doc, nil
}

func (s *SessionService) sessionByRun(runID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runIndex[runID]
}

// stateIDList reads a []string field out of an opaque state document. Shape
// mismatches read as unset.
func stateIDList(doc map[string]any, field string) []string {
	raw, ok := doc[field]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
