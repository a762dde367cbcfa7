package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stock-ledger/internal/app"
)

// reserve handles POST /api/reservations.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req app.ReserveStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actorFromContext(r.Context())
	res, err := h.svc.ReserveStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeCreated(w, res)
}

// getReservation handles GET /api/reservations/{id}.
func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// commitReservation handles POST /api/reservations/{id}/commit.
func (h *Handler) commitReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CommitReservation(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// releaseReservation handles POST /api/reservations/{id}/release.
func (h *Handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReleaseReservation(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// expireReservations handles POST /api/reservations/expire, an on-demand sweep.
func (h *Handler) expireReservations(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ExpireReservations(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"expired": n})
}
