package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/models"
)

// PeriodRunner is satisfied by services.GrantScheduler.
type PeriodRunner interface {
	RunPeriod(ctx context.Context, periodKey string) (int, error)
}

// Sweeper is satisfied by services.Reconciler.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// SystemLedger reads any account's history on the system pool.
type SystemLedger interface {
	ListTransactionsAsSystem(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// AdminHandler serves /api/v1/admin. Grant and reconcile routes sit behind
// middleware.AdminSecret; account inspection sits behind RequireAdmin.
type AdminHandler struct {
	Grants         PeriodRunner
	Reconciler     Sweeper
	ReconcileAfter time.Duration
	Ledger         SystemLedger
	Logger         *slog.Logger
}

// RunGrants handles POST /api/v1/admin/grants/{period}.
func (h *AdminHandler) RunGrants(w http.ResponseWriter, r *http.Request) {
	period := r.PathValue("period")
	n, err := h.Grants.RunPeriod(r.Context(), period)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	h.Logger.Info("admin grant run", "period_key", period, "granted", n,
		"request_id", middleware.RequestIDFromCtx(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": middleware.RequestIDFromCtx(r.Context()),
		"period_key": period,
		"granted":    n,
	})
}

// Reconcile handles POST /api/v1/admin/reconcile.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reconciler.Sweep(r.Context(), h.ReconcileAfter)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": middleware.RequestIDFromCtx(r.Context()),
		"refunded":   n,
	})
}

// AccountTransactions handles GET /api/v1/admin/accounts/{id}/transactions.
func (h *AdminHandler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeBadRequest(w, r, ReasonBadRequest, "invalid account id")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, r, ReasonBadRequest, "limit must be an integer between 1 and 200")
		return
	}
	txs, err := h.Ledger.ListTransactionsAsSystem(r.Context(), id, limit)
	if err != nil {
		ErrorWriter(h.Logger)(w, r, err)
		return
	}
	writeTransactions(w, r, id, txs)
}
