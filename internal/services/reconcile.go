package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/ledger"
	"github.com/inaiurai/tokengate/internal/models"
)

// ReconcileLedger is the part of the ledger the reconciler needs.
type ReconcileLedger interface {
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.SpendAttempt, error)
	RefundAsSystem(ctx context.Context, accountID uuid.UUID, key, reason string) (int64, error)
}

// Reconciler refunds charges whose outcome was never recorded, for example
// because the process died while the paid work was running.
type Reconciler struct {
	Ledger    ReconcileLedger
	Now       func() time.Time
	BatchSize int
	Logger    *slog.Logger
	Metrics   SpendMetrics
}

func NewReconciler(l ReconcileLedger, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Ledger: l, Now: time.Now, BatchSize: 100, Logger: logger}
}

// Sweep refunds attempts that have been pending for longer than olderThan and
// returns how many it refunded. olderThan must exceed the longest work
// deadline or in-flight work will be refunded.
func (r *Reconciler) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("reconcile window must be positive")
	}
	cutoff := r.Now().Add(-olderThan)
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	refunded := 0
	for {
		pending, err := r.Ledger.PendingBefore(ctx, cutoff, limit)
		if err != nil {
			return refunded, fmt.Errorf("list pending attempts: %w", err)
		}
		progress := 0
		for _, a := range pending {
			_, err := r.Ledger.RefundAsSystem(ctx, a.AccountID, a.IdempotencyKey, ReasonReconciliation)
			switch {
			case err == nil:
				progress++
				r.Logger.Warn("reconciled stale spend",
					"account_id", a.AccountID, "idempotency_key", a.IdempotencyKey, "cost", a.Cost)
			case errors.Is(err, ledger.ErrAlreadyCommitted), errors.Is(err, ledger.ErrSpendNotFound):
				// Resolved between the listing and the refund.
				progress++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return refunded, err
			default:
				r.Logger.Error("reconcile refund failed", "critical", true,
					"account_id", a.AccountID, "idempotency_key", a.IdempotencyKey, "error", err)
				if r.Metrics != nil {
					r.Metrics.ObserveRefundFailure()
				}
				continue
			}
			if err == nil {
				refunded++
			}
		}
		// Stop on a short page, or when nothing on a full page could be resolved.
		if len(pending) < limit || progress == 0 {
			break
		}
	}
	if refunded > 0 {
		r.Logger.Info("reconcile sweep complete", "refunded", refunded)
	}
	return refunded, nil
}
