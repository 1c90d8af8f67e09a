package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inaiurai/tokengate/internal/auth"
	"github.com/inaiurai/tokengate/internal/keyring"
	"github.com/inaiurai/tokengate/internal/ledger"
	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/services"
)

// Stable reason codes outside the auth taxonomy.
const (
	ReasonInsufficientFunds     = "InsufficientFunds"
	ReasonIdempotencyKeyInvalid = "IdempotencyKeyInvalid"
	ReasonUnknownOperation      = "UnknownOperation"
	ReasonInvalidInput          = "InvalidInput"
	ReasonInProgress            = "InProgress"
	ReasonDownstreamTimeout     = "DownstreamTimeout"
	ReasonDownstreamError       = "DownstreamError"
	ReasonKeysUnavailable       = "KeysUnavailable"
	ReasonInvalidPeriodKey      = "InvalidPeriodKey"
	ReasonBadRequest            = "BadRequest"
	ReasonBodyTooLarge          = "BodyTooLarge"
	ReasonInternal              = "InternalError"
)

type errorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	RequestID  string `json:"request_id"`
	State      string `json:"state,omitempty"`
	Refunded   *bool  `json:"refunded,omitempty"`
	NewBalance *int64 `json:"new_balance,omitempty"`
}

// classify maps an error to its status, reason code and the message shown to
// the caller. Unexpected errors get a generic message.
func classify(err error) (int, string, string) {
	if reason, ok := auth.ReasonOf(err); ok {
		return http.StatusUnauthorized, string(reason), err.Error()
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, keyring.ErrUnavailable):
		return http.StatusServiceUnavailable, ReasonKeysUnavailable, "signing keys unavailable"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, ReasonInsufficientFunds, err.Error()
	case errors.Is(err, ledger.ErrIdempotencyKeyInvalid):
		return http.StatusBadRequest, ReasonIdempotencyKeyInvalid, err.Error()
	case errors.Is(err, services.ErrUnknownOperation):
		return http.StatusBadRequest, ReasonUnknownOperation, err.Error()
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusUnprocessableEntity, ReasonInvalidInput, err.Error()
	case errors.Is(err, services.ErrInProgress):
		return http.StatusConflict, ReasonInProgress, err.Error()
	case errors.Is(err, services.ErrDownstreamTimeout):
		return http.StatusGatewayTimeout, ReasonDownstreamTimeout, services.ErrDownstreamTimeout.Error()
	case errors.Is(err, services.ErrDownstreamError):
		return http.StatusInternalServerError, ReasonDownstreamError, services.ErrDownstreamError.Error()
	case errors.Is(err, services.ErrInvalidPeriodKey):
		return http.StatusBadRequest, ReasonInvalidPeriodKey, err.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, ReasonBodyTooLarge, "request body too large"
	}
	return http.StatusInternalServerError, ReasonInternal, "internal error"
}

func newErrorResponse(r *http.Request, err error) (int, errorResponse) {
	status, reason, msg := classify(err)
	return status, errorResponse{
		Error:     msg,
		Reason:    reason,
		RequestID: middleware.RequestIDFromCtx(r.Context()),
	}
}

// ErrorWriter returns the error renderer shared by handlers and middleware.
// Internal errors are logged with the request id; the caller sees only the
// generic message.
func ErrorWriter(logger *slog.Logger) middleware.ErrorWriter {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status, body := newErrorResponse(r, err)
		if body.Reason == ReasonInternal || body.Reason == ReasonKeysUnavailable {
			logger.Error("request failed", "request_id", body.RequestID, "path", r.URL.Path, "error", err)
		}
		writeJSON(w, status, body)
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, reason, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     msg,
		Reason:    reason,
		RequestID: middleware.RequestIDFromCtx(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
