package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"stock-ledger/internal/app"
	"stock-ledger/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeCreated writes a JSON response with status 201.
func writeCreated(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a ledger error code to an HTTP status.
func statusFor(code core.ErrorCode) int {
	switch code {
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeInvalidQuantity:
		return http.StatusBadRequest
	case core.CodeInvalidState,
		core.CodeInsufficientStock,
		core.CodeInsufficientAvailable,
		core.CodeConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates an ApplicationService error. Typed ledger errors
// keep their code; infrastructure errors are logged and hidden behind a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, app.ErrInvalidInput) {
		writeError(w, r, err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if code := core.CodeOf(err); code != "" {
		status := statusFor(code)
		if status == http.StatusInternalServerError {
			h.log.Error("ledger error", zap.String("code", string(code)), zap.Error(err))
		}
		writeError(w, r, err.Error(), string(code), status)
		return
	}
	h.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestIDFromContext(r.Context())), zap.Error(err))
	writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
}
