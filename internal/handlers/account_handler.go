package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/models"
	"github.com/inaiurai/tokengate/internal/services"
)

const (
	defaultTxLimit = 50
	maxTxLimit     = 200
)

// AccountLedger is the read side of ledger.Store used by account endpoints.
type AccountLedger interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// AccountHandler serves the caller's own account. Routes run behind
// middleware.Authenticate.
type AccountHandler struct {
	Ledger AccountLedger
	Logger *slog.Logger
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	balance, err := h.Ledger.GetBalance(r.Context(), acc.ID)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": middleware.RequestIDFromCtx(r.Context()),
		"account_id": acc.ID,
		"balance":    balance,
	})
}

func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, r, ReasonBadRequest, "limit must be an integer between 1 and 200")
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	txs, err := h.Ledger.ListTransactions(r.Context(), acc.ID, limit)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	writeTransactions(w, r, acc.ID, txs)
}

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	balance, err := h.Ledger.GetBalance(r.Context(), acc.ID)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": middleware.RequestIDFromCtx(r.Context()),
		"account":    acc,
		"role":       acc.Role,
		"balance":    balance,
	})
}

type operationInfo struct {
	Name     string `json:"name"`
	Cost     int64  `json:"cost"`
	Deadline string `json:"deadline"`
}

// ListOperations handles GET /v1/operations (public, no auth).
func ListOperations(catalog *services.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := catalog.Names()
		ops := make([]operationInfo, 0, len(names))
		for _, name := range names {
			op, err := catalog.Lookup(name)
			if err != nil {
				continue
			}
			ops = append(ops, operationInfo{Name: op.Name, Cost: op.Cost, Deadline: op.Deadline.String()})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": middleware.RequestIDFromCtx(r.Context()),
			"operations": ops,
		})
	}
}

func writeTransactions(w http.ResponseWriter, r *http.Request, accountID uuid.UUID, txs []*models.Transaction) {
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":   middleware.RequestIDFromCtx(r.Context()),
		"account_id":   accountID,
		"transactions": txs,
	})
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTxLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxTxLimit {
		return 0, false
	}
	return n, true
}
