package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Strob0t/AgentBridge/internal/config"
	"github.com/Strob0t/AgentBridge/internal/domain/run"
	"github.com/Strob0t/AgentBridge/internal/service"
)

// maxBodyBytes caps run input bodies; message histories can be large.
const maxBodyBytes = 4 << 20

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	sessions *service.SessionService
	cfg      config.Runtime
}

// NewHandlers creates the handler set.
func NewHandlers(sessions *service.SessionService, cfg config.Runtime) *Handlers {
	return &Handlers{sessions: sessions, cfg: cfg}
}

// Health reports service liveness plus the protocol surface, matching the
// shape front-end SDKs probe for.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": "ag-ui",
		"features": []string{"streaming", "state_sync", "suspension", "approval"},
	})
}

// RunAgent starts a run from the posted input and streams its envelopes back
// as SSE until the terminal event.
func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	in, ok := readJSON[run.Input](w, r, maxBodyBytes)
	if !ok {
		return
	}

	stream, err := h.sessions.StartRun(r.Context(), in)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	streamSSE(w, r, stream, h.cfg.KeepaliveInterval)
}

// resolveRequest is the body for POST /runs/{id}/resolve.
type resolveRequest struct {
	Value json.RawMessage `json:"value"`
}

// ResolveSuspension supplies the resolution value for a run's outstanding
// suspension. Exactly one resolution is accepted.
func (h *Handlers) ResolveSuspension(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	req, ok := readJSON[resolveRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := h.sessions.ResolveSuspension(r.Context(), runID, req.Value); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// ApproveAction records a human approval for a pending action.
func (h *Handlers) ApproveAction(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.sessions.Approve, "approved")
}

// RejectAction records a human rejection for a pending action.
func (h *Handlers) RejectAction(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.sessions.Reject, "rejected")
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, runID, actionID string) error, status string) {
	runID := urlParam(r, "id")
	actionID := urlParam(r, "actionId")
	if actionID == "" {
		writeError(w, http.StatusBadRequest, "actionId is required")
		return
	}

	if err := fn(r.Context(), runID, actionID); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "action_id": actionID})
}

// GetRun returns one run's lifecycle row.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rr, err := h.sessions.GetRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// ListRunEvents replays a run's persisted envelopes in order.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.sessions.Events(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListRunDecisions returns a run's approval audit trail.
func (h *Handlers) ListRunDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.sessions.DecisionAudit(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

// ListThreadRuns returns a thread's run rows, oldest first.
func (h *Handlers) ListThreadRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.sessions.RunsByThread(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetThreadState returns the thread's latest agent-authoritative state, for
// clients reconnecting without a local view.
func (h *Handlers) GetThreadState(w http.ResponseWriter, r *http.Request) {
	doc, err := h.sessions.LatestState(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "no state for thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": doc})
}
