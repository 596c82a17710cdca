package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
)

// streamSSE writes a run's envelope stream as Server-Sent Events. Each
// envelope is one `data:` frame; comment keepalives hold the connection open
// through suspensions. Returns when the stream channel closes (terminal
// envelope sent) or the client goes away.
func streamSSE(w http.ResponseWriter, r *http.Request, stream <-chan protocol.Event, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-stream:
			if !open {
				return
			}
			data, err := protocol.Encode(ev)
			if err != nil {
				slog.Error("encode envelope for sse", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
