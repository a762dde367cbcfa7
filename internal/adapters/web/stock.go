package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"stock-ledger/internal/app"
)

// ── Stock levels ──────────────────────────────────────────────────────────────

// getStock handles GET /api/stock/{itemID}/{locationID}.
func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetStockLevel(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "locationID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// listStock handles GET /api/stock?item=&location=.
func (h *Handler) listStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.ListStockLevels(r.Context(), q.Get("item"), q.Get("location"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// ── Movements ─────────────────────────────────────────────────────────────────

// receive handles POST /api/stock/receive.
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req app.ReceiveStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actorFromContext(r.Context())
	res, err := h.svc.ReceiveStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeCreated(w, res)
}

// issue handles POST /api/stock/issue.
func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var req app.IssueStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actorFromContext(r.Context())
	res, err := h.svc.IssueStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeCreated(w, res)
}

// adjust handles POST /api/stock/adjust.
func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req app.AdjustStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actorFromContext(r.Context())
	res, err := h.svc.AdjustStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeCreated(w, res)
}

// transfer handles POST /api/stock/transfer.
func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req app.TransferStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actorFromContext(r.Context())
	res, err := h.svc.TransferStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeCreated(w, res)
}

// listMovements handles GET /api/movements?item=&location=&from=&to=&reference_kind=&limit=.
func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := app.MovementQuery{
		ItemID:        q.Get("item"),
		LocationID:    q.Get("location"),
		From:          q.Get("from"),
		To:            q.Get("to"),
		ReferenceKind: q.Get("reference_kind"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, "limit must be a non-negative integer", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		query.Limit = n
	}
	res, err := h.svc.ListMovements(r.Context(), query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// ── Reconciliation ────────────────────────────────────────────────────────────

// reconcile handles GET /api/reconcile/{itemID}/{locationID}.
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile(r.Context(), chi.URLParam(r, "itemID"), chi.URLParam(r, "locationID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// reconcileAll handles GET /api/reconcile.
func (h *Handler) reconcileAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReconcileAll(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// outboxStats handles GET /api/outbox/stats.
func (h *Handler) outboxStats(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetOutboxStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}
