package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stock-ledger/internal/app"
	"stock-ledger/internal/bus"
)

// Options configures NewHandler.
type Options struct {
	AllowedOrigins string
	// JWTSecret enables bearer-token authentication. Empty disables it and the
	// actor falls back to the X-Actor header.
	JWTSecret string
	Logger    *zap.Logger
	// Events feeds GET /api/events/stream. Nil disables the stream.
	Events *bus.Fanout
}

// Handler holds the ApplicationService and the chi router.
type Handler struct {
	svc       app.ApplicationService
	router    chi.Router
	jwtSecret string
	log       *zap.Logger
	events    *bus.Fanout
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc app.ApplicationService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		svc:       svc,
		jwtSecret: opts.JWTSecret,
		log:       logger.Named("http"),
		events:    opts.Events,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(h.log))
	r.Use(Recoverer(h.log))
	r.Use(CORS(opts.AllowedOrigins))

	// ── Public ────────────────────────────────────────────────────────────────
	r.Get("/api/health", h.health)
	r.Get("/api/events/schema", h.eventSchema)

	// ── Authenticated API ─────────────────────────────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(h.RequireActor)

		r.Get("/api/events/stream", h.eventStream)

		r.Group(func(r chi.Router) {
			r.Use(RequestBodyLimit(1 << 20)) // 1 MB

			// Stock levels and movements
			r.Get("/api/stock", h.listStock)
			r.Get("/api/stock/{itemID}/{locationID}", h.getStock)
			r.Post("/api/stock/receive", h.receive)
			r.Post("/api/stock/issue", h.issue)
			r.Post("/api/stock/adjust", h.adjust)
			r.Post("/api/stock/transfer", h.transfer)
			r.Get("/api/movements", h.listMovements)

			// Reconciliation
			r.Get("/api/reconcile", h.reconcileAll)
			r.Get("/api/reconcile/{itemID}/{locationID}", h.reconcile)

			// Reservations
			r.Post("/api/reservations", h.reserve)
			r.Get("/api/reservations/{id}", h.getReservation)
			r.Post("/api/reservations/{id}/commit", h.commitReservation)
			r.Post("/api/reservations/{id}/release", h.releaseReservation)
			r.Post("/api/reservations/expire", h.expireReservations)

			// Operations
			r.Get("/api/outbox/stats", h.outboxStats)
		})
	})

	h.router = r
	return r
}

// health reports liveness and the outbox backlog.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status  string `json:"status"`
		Pending int    `json:"outbox_pending"`
	}
	stats, err := h.svc.GetOutboxStats(r.Context())
	if err != nil {
		h.log.Warn("health check could not read outbox", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(response{Status: "degraded"})
		return
	}
	writeJSON(w, response{Status: "ok", Pending: stats.Pending})
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. Returns HTTP 413 when the body exceeds the size limit set
// by RequestBodyLimit middleware; HTTP 400 for all other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}
