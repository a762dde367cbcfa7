package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// eventSchema handles GET /api/events/schema.
func (h *Handler) eventSchema(w http.ResponseWriter, r *http.Request) {
	raw, err := h.svc.EventSchema()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(raw)
}

// eventStream handles GET /api/events/stream as server-sent events. Delivery is
// best effort: a slow client misses events and should re-read the ledger.
func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, r, "event stream not enabled", "NOT_IMPLEMENTED", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, "streaming unsupported", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	// Request ids can come from the client, so they cannot key a subscription.
	name := "sse-" + uuid.NewString()
	ch := h.events.Subscribe(name)
	defer h.events.Unsubscribe(name)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("failed to encode event for stream", zap.String("event_id", evt.EventID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.EventID, core.TopicStockLevelChanged, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
