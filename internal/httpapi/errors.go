package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Field       string `json:"field,omitempty"`
	LocalSeq    uint64 `json:"local_seq,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, errorBody{Error: code, Description: desc})
}

func decodeJSON(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	return dec.Decode(v)
}

// writeServiceError maps a service error to its HTTP status.  Anything
// unrecognised is a 500 and is logged; its text never reaches the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *service.ValidationError
		berr *service.BatchRejectedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "validation_failed", Description: verr.Error(), Field: verr.Field,
		})
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.As(err, &berr):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "batch_rejected", Description: berr.Error(), LocalSeq: berr.LocalSeq,
		})
	case errors.Is(err, service.ErrDuplicateDevice):
		writeError(w, http.StatusConflict, "duplicate_device", err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrQueueFull):
		writeError(w, http.StatusInsufficientStorage, "queue_full", err.Error())
	case errors.Is(err, service.ErrServiceOverloaded), errors.Is(err, service.ErrClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "overloaded", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func badRequest(w http.ResponseWriter, desc string) {
	writeError(w, http.StatusBadRequest, "bad_request", desc)
}
