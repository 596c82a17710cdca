package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WSHandler upgrades a request to the observer WebSocket.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub WSHandler) {
	r.Get("/health", h.Health)

	// Legacy alias kept for front ends that post to the bare path.
	r.Post("/agent", h.RunAgent)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agent", h.RunAgent)

		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)
		r.Get("/runs/{id}/decisions", h.ListRunDecisions)
		r.Post("/runs/{id}/resolve", h.ResolveSuspension)
		r.Post("/runs/{id}/actions/{actionId}/approve", h.ApproveAction)
		r.Post("/runs/{id}/actions/{actionId}/reject", h.RejectAction)

		r.Get("/threads/{id}/runs", h.ListThreadRuns)
		r.Get("/threads/{id}/state", h.GetThreadState)
	})

	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
}
