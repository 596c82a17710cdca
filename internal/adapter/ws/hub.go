// Package ws implements the WebSocket adapter for real-time observers.
// Observers get a read-only mirror of stamped envelopes, run status changes,
// and approval decisions; the SSE run stream stays the authoritative
// transport for the driving client. An observer follows everything by
// default, or narrows to specific runs with subscribe commands.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all outbound WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is an inbound observer frame: narrow or widen the run filter.
type command struct {
	Type  string `json:"type"` // "subscribe" or "unsubscribe"
	RunID string `json:"runId"`
}

// conn wraps a single observer connection and its run filter. An empty
// filter follows every run.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]struct{}
}

// wants reports whether the observer should receive a message scoped to the
// given run; unscoped messages pass every filter.
func (c *conn) wants(runID string) bool {
	if runID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runs) == 0 {
		return true
	}
	_, ok := c.runs[runID]
	return ok
}

func (c *conn) apply(cmd command) {
	if cmd.RunID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Type {
	case "subscribe":
		c.runs[cmd.RunID] = struct{}{}
	case "unsubscribe":
		delete(c.runs, cmd.RunID)
	}
}

// Hub manages all observer connections and fans messages out to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the connection and registers the observer.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, runs: make(map[string]struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("observer connected", "remote", r.RemoteAddr)

	// Read loop: consume subscribe commands and detect disconnects.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var cmd command
			if err := json.Unmarshal(data, &cmd); err != nil {
				slog.Debug("undecodable observer command", "error", err)
				continue
			}
			c.apply(cmd)
		}
	}()
}

// Broadcast fans a message out to every observer whose filter matches its
// run scope.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}
	runID := runScope(msg.Payload)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(runID) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active observers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("observer disconnected")
	}
}

// runScope extracts the run id a payload concerns, "" when unscoped. It
// reads both the envelope wire casing and the snake case of status and
// decision payloads.
func runScope(payload json.RawMessage) string {
	var probe struct {
		Wire  string `json:"runId"`
		Snake string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Wire != "" {
		return probe.Wire
	}
	return probe.Snake
}
