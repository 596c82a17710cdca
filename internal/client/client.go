// Package client is the Go-side consumer of the agent protocol: an SSE run
// transport plus a Session that folds the envelope stream into local
// conversation, state, and approval bookkeeping.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/AgentBridge/internal/domain/protocol"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
)

// ErrorCodeTransport marks a synthesized terminal envelope for a connection
// that dropped before the agent sent its own terminal.
const ErrorCodeTransport = "TRANSPORT"

// Client talks to one agent endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The default has no
// timeout: run streams stay open through suspensions.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger for dropped-envelope and transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run posts the input and returns the decoded envelope stream. The channel
// always ends with a terminal envelope: if the connection drops mid-run, a
// RUN_ERROR with code "TRANSPORT" is synthesized locally. Unknown envelope
// kinds are delivered as *protocol.UnknownEvent placeholders so they keep
// their seq position; they never abort the stream. The caller must drain the
// channel until it closes.
func (c *Client) Run(ctx context.Context, in run.Input) (<-chan protocol.Event, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/agent", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	stream := make(chan protocol.Event)
	go c.readStream(resp, stream)
	return stream, nil
}

// readStream decodes SSE frames until the terminal envelope or the
// connection drops.
func (c *Client) readStream(resp *http.Response, stream chan<- protocol.Event) {
	defer resp.Body.Close()
	defer close(stream)

	var (
		runID    string
		lastSeq  int64
		terminal bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // keepalive comments and frame separators
		}

		frame := []byte(strings.TrimPrefix(line, "data: "))
		ev, err := protocol.Decode(frame)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownEventType) {
				c.log.Error("undecodable envelope", "error", err)
				continue
			}
			// Unknown kinds still occupy their seq position; deliver them
			// so consumers keep a gapless view of the stream.
			c.log.Warn("unknown envelope kind", "error", err)
		}

		m := ev.Envelope()
		runID = m.RunID
		lastSeq = m.Seq
		if protocol.Terminal(ev.Type()) {
			terminal = true
		}
		stream <- ev
		if terminal {
			return
		}
	}

	// The server closed the connection without a terminal envelope.
	errMsg := "connection closed before terminal envelope"
	if err := scanner.Err(); err != nil {
		errMsg = err.Error()
	}
	synth := &protocol.RunErrorEvent{Message: errMsg, Code: ErrorCodeTransport}
	synth.EventType = protocol.EventRunError
	synth.RunID = runID
	synth.Seq = lastSeq + 1
	synth.Timestamp = time.Now().UnixMilli()
	stream <- synth
}

// Resolve supplies the resolution value for a run's outstanding suspension.
func (c *Client) Resolve(ctx context.Context, runID string, value json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"value": value})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/v1/runs/"+runID+"/resolve", body)
}

// Approve records a server-side approval for a pending action.
func (c *Client) Approve(ctx context.Context, runID, actionID string) error {
	return c.post(ctx, "/api/v1/runs/"+runID+"/actions/"+actionID+"/approve", []byte("{}"))
}

// Reject records a server-side rejection for a pending action.
func (c *Client) Reject(ctx context.Context, runID, actionID string) error {
	return c.post(ctx, "/api/v1/runs/"+runID+"/actions/"+actionID+"/reject", []byte("{}"))
}

// RunEvents replays a completed run's persisted envelopes in seq order.
func (c *Client) RunEvents(ctx context.Context, runID string) ([]protocol.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/runs/"+runID+"/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	events := make([]protocol.Event, 0, len(body.Events))
	for _, raw := range body.Events {
		ev, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEventType) {
				c.log.Warn("dropping unknown envelope kind in replay", "error", err)
				continue
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// APIError is a non-200 response from the agent's REST surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Status, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
