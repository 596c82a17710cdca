package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
	delay   time.Duration // optional per-record processing delay
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = append(h.attrs, attrs...)
	return h
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestBackgroundHandlerWrites(t *testing.T) {
	sink := &recordingHandler{}
	bh := NewBackgroundHandler(sink, 100, 1)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)
	if err := bh.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	bh.Close()

	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
	if bh.Lost() != 0 {
		t.Fatalf("expected no lost records, got %d", bh.Lost())
	}
}

func TestBackgroundHandlerConcurrentWrites(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 20
	total := goroutines * perGoroutine

	sink := &recordingHandler{}
	bh := NewBackgroundHandler(sink, total, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				rec := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
				_ = bh.Handle(context.Background(), rec)
			}
		}()
	}
	wg.Wait()
	bh.Close()

	if got := sink.count(); got != total {
		t.Fatalf("expected %d records, got %d", total, got)
	}
}

func TestBackgroundHandlerLosesOnFullQueue(t *testing.T) {
	sink := &recordingHandler{delay: 50 * time.Millisecond}
	bh := NewBackgroundHandler(sink, 1, 1)

	for range 10 {
		rec := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
		_ = bh.Handle(context.Background(), rec)
	}
	bh.Close()

	if bh.Lost() == 0 {
		t.Fatal("expected lost records with a full queue")
	}
}

func TestBackgroundHandlerDerivedAttrsReachSink(t *testing.T) {
	sink := &recordingHandler{}
	bh := NewBackgroundHandler(sink, 10, 1)

	derived := bh.WithAttrs([]slog.Attr{slog.String("run_id", "r1")})
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
	if err := derived.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	bh.Close()

	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
	if len(sink.attrs) != 1 || sink.attrs[0].Key != "run_id" {
		t.Fatalf("derived attrs did not reach the sink: %v", sink.attrs)
	}
}
