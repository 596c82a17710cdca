package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops a handler on shutdown.
type Closer interface {
	Close()
}

// nopCloser is the Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// BackgroundHandler keeps slog writes off the envelope emission hot path.
// Records flow through a bounded queue to writer goroutines; when the queue
// is full the record is counted as lost and discarded rather than stalling
// a run.
type BackgroundHandler struct {
	sink slog.Handler
	q    *logQueue
}

// logQueue is shared by a BackgroundHandler and all of its WithAttrs and
// WithGroup derivatives, so one Close drains every record. Each entry carries
// the sink it was logged through, keeping derived attrs and groups intact.
type logQueue struct {
	ch   chan logEntry
	wg   sync.WaitGroup
	lost atomic.Int64
}

type logEntry struct {
	rec  slog.Record
	sink slog.Handler
}

// NewBackgroundHandler wraps sink with a queue of queueLen records drained
// by the given number of writer goroutines.
func NewBackgroundHandler(sink slog.Handler, queueLen, writers int) *BackgroundHandler {
	q := &logQueue{ch: make(chan logEntry, queueLen)}
	for range writers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for e := range q.ch {
				_ = e.sink.Handle(context.Background(), e.rec)
			}
		}()
	}
	return &BackgroundHandler{sink: sink, q: q}
}

// Enabled delegates to the sink.
func (h *BackgroundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.sink.Enabled(ctx, level)
}

// Handle enqueues the record without blocking; a full queue loses it.
func (h *BackgroundHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.q.ch <- logEntry{rec: rec, sink: h.sink}:
	default:
		h.q.lost.Add(1)
	}
	return nil
}

// WithAttrs derives a handler over the same queue.
func (h *BackgroundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BackgroundHandler{sink: h.sink.WithAttrs(attrs), q: h.q}
}

// WithGroup derives a handler over the same queue.
func (h *BackgroundHandler) WithGroup(name string) slog.Handler {
	return &BackgroundHandler{sink: h.sink.WithGroup(name), q: h.q}
}

// Lost returns the number of records discarded on a full queue.
func (h *BackgroundHandler) Lost() int64 {
	return h.q.lost.Load()
}

// Close stops intake and waits for the writers to drain the queue.
func (h *BackgroundHandler) Close() {
	close(h.q.ch)
	h.q.wg.Wait()
}
