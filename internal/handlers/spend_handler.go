package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/services"
)

// HeaderIdempotencyKey names the caller-generated UUIDv4 for a paid request.
const HeaderIdempotencyKey = "Idempotency-Key"

// Executor is satisfied by services.SpendExecutor.
type Executor interface {
	Execute(ctx context.Context, req services.SpendRequest) (services.SpendResult, error)
}

// SpendHandler serves POST /v1/ops/{operation}.
type SpendHandler struct {
	Executor Executor
	Logger   *slog.Logger
}

type spendResponse struct {
	RequestID  string          `json:"request_id"`
	State      string          `json:"state"`
	AccountID  uuid.UUID       `json:"account_id"`
	NewBalance int64           `json:"new_balance"`
	Result     json.RawMessage `json:"result"`
	Replayed   bool            `json:"replayed"`
}

// Spend reads the operation input and runs it through the executor. The
// executor owns verification, so the route has no auth middleware.
// Verify -> Validate -> Debit -> Work -> Commit or Refund.
func (h *SpendHandler) Spend(w http.ResponseWriter, r *http.Request) {
	input, err := io.ReadAll(r.Body)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	if len(input) == 0 {
		input = []byte("{}")
	}

	res, err := h.Executor.Execute(r.Context(), services.SpendRequest{
		Authorization:  r.Header.Get("Authorization"),
		RequestID:      middleware.RequestIDFromCtx(r.Context()),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Operation:      r.PathValue("operation"),
		Input:          input,
	})
	if err != nil {
		h.writeSpendError(w, r, res, err)
		return
	}

	writeJSON(w, http.StatusOK, spendResponse{
		RequestID:  res.RequestID,
		State:      string(res.State),
		AccountID:  res.AccountID,
		NewBalance: res.NewBalance,
		Result:     res.Result,
		Replayed:   res.Replayed,
	})
}

// writeSpendError adds the charge outcome to the error body so the caller
// always knows whether it was charged.
func (h *SpendHandler) writeSpendError(w http.ResponseWriter, r *http.Request, res services.SpendResult, err error) {
	status, body := newErrorResponse(r, err)
	body.State = string(res.State)

	switch res.State {
	case services.StateRefunded:
		refunded := true
		body.Refunded = &refunded
		if !res.Replayed {
			balance := res.NewBalance
			body.NewBalance = &balance
		}
	case services.StateRefunding:
		// Charged, refund pending reconciliation.
		refunded := false
		body.Refunded = &refunded
		h.Logger.Error("spend left pending", "request_id", body.RequestID, "account_id", res.AccountID, "error", err)
	}
	if body.Reason == ReasonInternal {
		h.Logger.Error("spend failed", "request_id", body.RequestID, "state", res.State, "error", err)
	}
	writeJSON(w, status, body)
}
