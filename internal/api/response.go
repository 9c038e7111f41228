package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: requestIDFromContext(r.Context()),
	})
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// mapDomainError turns a service error into status, code and message.
// Internal errors are not echoed to the caller.
func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds", "insufficient funds, top up and retry"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, models.ErrIntentNotFound):
		return http.StatusConflict, "intent_not_found", err.Error()
	case errors.Is(err, models.ErrIntentExpired):
		return http.StatusConflict, "intent_expired", err.Error()
	case errors.Is(err, models.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition", err.Error()
	case errors.Is(err, models.ErrAlreadySettled):
		return http.StatusConflict, "already_settled", err.Error()
	case errors.Is(err, models.ErrReferenceConflict):
		return http.StatusConflict, "reference_conflict", err.Error()
	case errors.Is(err, models.ErrLockHeld):
		return http.StatusConflict, "busy", err.Error()
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, models.ErrExternalPaymentFailure):
		return http.StatusBadGateway, "payment_failed", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapDomainError(err)
	if status == http.StatusInternalServerError {
		h.log.WithField("request_id", requestIDFromContext(r.Context())).WithError(err).Error("request failed")
	}
	writeError(w, r, status, code, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, models.ErrInvalidInput)
	}
	return nil
}
