package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentBridge/internal/adapter/ws"
	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/port/eventstore"
	"github.com/Strob0t/AgentBridge/internal/port/messagequeue"
)

// emitter owns one run's ordering stamp. Every envelope passes through here
// exactly once: stamp, persist, fan out, deliver to the client stream.
// Side-channel failures (store, queue, hub, cache) are logged and do not
// abort the run; only a dead client stream does.
type emitter struct {
	svc    *SessionService
	ctx    context.Context
	r      *run.Run
	stream chan<- protocol.Event
	seq    int64
}

func (s *SessionService) newEmitter(ctx context.Context, r *run.Run, stream chan<- protocol.Event) *emitter {
	return &emitter{svc: s, ctx: ctx, r: r, stream: stream}
}

func (e *emitter) emit(ev protocol.Event) error {
	e.seq++
	ev.Envelope().Stamp(e.r.ID, e.seq)

	payload, err := protocol.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if e.svc.events != nil {
		stored := &eventstore.StoredEvent{
			RunID:     e.r.ID,
			ThreadID:  e.r.ThreadID,
			Seq:       uint64(e.seq),
			EventType: ev.Type(),
			Payload:   payload,
		}
		if err := e.svc.events.Append(e.ctx, stored); err != nil {
			slog.Error("append envelope", "run_id", e.r.ID, "seq", e.seq, "error", err)
		}
	}

	if e.svc.queue != nil {
		if err := e.svc.queue.Publish(e.ctx, messagequeue.RunEventsSubject(e.r.ID), payload); err != nil {
			slog.Error("publish envelope", "run_id", e.r.ID, "seq", e.seq, "error", err)
		}
	}

	if e.svc.hub != nil {
		e.svc.hub.BroadcastEvent(e.ctx, ws.EventRunEnvelope, json.RawMessage(payload))
	}

	if snap, ok := ev.(*protocol.StateSnapshotEvent); ok && e.svc.cache != nil {
		e.cacheSnapshot(snap)
	}

	if e.svc.metrics != nil {
		e.svc.metrics.EnvelopesEmitted.Add(e.ctx, 1)
	}

	select {
	case e.stream <- ev:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// cacheSnapshot keeps the latest full state per thread for reconnecting
// clients.
func (e *emitter) cacheSnapshot(snap *protocol.StateSnapshotEvent) {
	data, err := json.Marshal(snap.Snapshot)
	if err != nil {
		slog.Error("marshal snapshot for cache", "run_id", e.r.ID, "error", err)
		return
	}
	if err := e.svc.cache.Set(e.ctx, snapshotCacheKey(e.r.ThreadID), data, e.svc.cacheTTL); err != nil {
		slog.Error("cache snapshot", "thread_id", e.r.ThreadID, "error", err)
	}
}

// snapshotCacheKey is the cache key holding a thread's latest state snapshot.
func snapshotCacheKey(threadID string) string {
	return "snapshot:" + threadID
}
