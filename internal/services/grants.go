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

const periodKeyLayout = "200601"

// ErrInvalidPeriodKey is returned for period keys that are not YYYYMM.
var ErrInvalidPeriodKey = errors.New("period key must be YYYYMM")

// GrantLedger is the part of the ledger the scheduler needs.
type GrantLedger interface {
	ListDue(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]*models.Entitlement, error)
	GrantPeriod(ctx context.Context, accountID uuid.UUID, periodKey string, now time.Time) (bool, error)
}

// GrantMetrics receives one call per credited account.
type GrantMetrics interface {
	ObserveGrant()
}

// GrantScheduler credits each due account its plan allowance once per period.
type GrantScheduler struct {
	Ledger    GrantLedger
	Now       func() time.Time
	BatchSize int
	Logger    *slog.Logger
	Metrics   GrantMetrics
}

func NewGrantScheduler(l GrantLedger, logger *slog.Logger) *GrantScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantScheduler{Ledger: l, Now: time.Now, BatchSize: 100, Logger: logger}
}

// PeriodKey returns the YYYYMM key for t in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodKeyLayout)
}

func ValidatePeriodKey(key string) error {
	if len(key) != len(periodKeyLayout) {
		return ErrInvalidPeriodKey
	}
	if _, err := time.Parse(periodKeyLayout, key); err != nil {
		return ErrInvalidPeriodKey
	}
	return nil
}

// RunPeriod grants every due account for periodKey and returns how many were
// credited. Accounts already granted for the period are skipped, so re-running
// a period credits nothing new. One failing account does not stop the batch;
// the first such error is returned after the batch completes.
func (g *GrantScheduler) RunPeriod(ctx context.Context, periodKey string) (int, error) {
	if err := ValidatePeriodKey(periodKey); err != nil {
		return 0, err
	}
	now := g.Now()
	limit := g.BatchSize
	if limit <= 0 {
		limit = 100
	}
	log := g.Logger.With("period_key", periodKey)

	var (
		processed int
		firstErr  error
		after     = uuid.Nil
	)
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		due, err := g.Ledger.ListDue(ctx, now, after, limit)
		if err != nil {
			return processed, fmt.Errorf("list due entitlements: %w", err)
		}
		for _, ent := range due {
			after = ent.AccountID
			granted, err := g.Ledger.GrantPeriod(ctx, ent.AccountID, periodKey, now)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return processed, err
				}
				log.Error("grant failed", "account_id", ent.AccountID, "error", err)
				if firstErr == nil && !errors.Is(err, ledger.ErrNoEntitlement) {
					firstErr = fmt.Errorf("grant %s: %w", ent.AccountID, err)
				}
				continue
			}
			if granted {
				processed++
				if g.Metrics != nil {
					g.Metrics.ObserveGrant()
				}
			}
		}
		if len(due) < limit {
			break
		}
	}
	log.Info("grant period complete", "granted", processed)
	return processed, firstErr
}
