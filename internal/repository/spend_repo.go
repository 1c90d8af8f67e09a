package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/models"
)

type SpendRepo struct{}

func NewSpendRepo() *SpendRepo {
	return &SpendRepo{}
}

const spendColumns = `account_id, idempotency_key, operation, cost, balance_after, status,
	COALESCE(failure_reason, ''), result, created_at, resolved_at`

func scanSpend(row interface{ Scan(dest ...any) error }) (*models.SpendAttempt, error) {
	var s models.SpendAttempt
	var result []byte
	if err := row.Scan(&s.AccountID, &s.IdempotencyKey, &s.Operation, &s.Cost, &s.BalanceAfter, &s.Status,
		&s.FailureReason, &result, &s.CreatedAt, &s.ResolvedAt); err != nil {
		return nil, err
	}
	s.Result = result
	return &s, nil
}

func (r *SpendRepo) Create(ctx context.Context, q DBTX, s *models.SpendAttempt) error {
	return q.QueryRow(ctx, `
		INSERT INTO spend_attempts (account_id, idempotency_key, operation, cost, balance_after, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, s.AccountID, s.IdempotencyKey, s.Operation, s.Cost, s.BalanceAfter, s.Status).Scan(&s.CreatedAt)
}

func (r *SpendRepo) GetByKey(ctx context.Context, q DBTX, accountID uuid.UUID, key string) (*models.SpendAttempt, error) {
	s, err := scanSpend(q.QueryRow(ctx, `
		SELECT `+spendColumns+` FROM spend_attempts WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// GetByKeyForUpdate locks the attempt row. Call within a transaction.
func (r *SpendRepo) GetByKeyForUpdate(ctx context.Context, q DBTX, accountID uuid.UUID, key string) (*models.SpendAttempt, error) {
	s, err := scanSpend(q.QueryRow(ctx, `
		SELECT `+spendColumns+` FROM spend_attempts WHERE account_id = $1 AND idempotency_key = $2 FOR UPDATE
	`, accountID, key))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *SpendRepo) MarkCommitted(ctx context.Context, q DBTX, accountID uuid.UUID, key string, result []byte) error {
	_, err := q.Exec(ctx, `
		UPDATE spend_attempts SET status = 'committed', result = $3, resolved_at = now()
		WHERE account_id = $1 AND idempotency_key = $2 AND status = 'pending'
	`, accountID, key, result)
	return err
}

func (r *SpendRepo) MarkRefunded(ctx context.Context, q DBTX, accountID uuid.UUID, key, reason string) error {
	_, err := q.Exec(ctx, `
		UPDATE spend_attempts SET status = 'refunded', failure_reason = $3, resolved_at = now()
		WHERE account_id = $1 AND idempotency_key = $2 AND status = 'pending'
	`, accountID, key, reason)
	return err
}

// ListPendingBefore returns pending attempts created before the cutoff, oldest first.
func (r *SpendRepo) ListPendingBefore(ctx context.Context, q DBTX, before time.Time, limit int) ([]*models.SpendAttempt, error) {
	rows, err := q.Query(ctx, `
		SELECT `+spendColumns+` FROM spend_attempts
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SpendAttempt
	for rows.Next() {
		s, err := scanSpend(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

type GrantRepo struct{}

func NewGrantRepo() *GrantRepo {
	return &GrantRepo{}
}

// InsertPeriod records the grant marker. inserted is false when the account
// was already granted for periodKey.
func (r *GrantRepo) InsertPeriod(ctx context.Context, q DBTX, accountID uuid.UUID, periodKey string) (inserted bool, err error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO grant_periods (account_id, period_key) VALUES ($1, $2)
		ON CONFLICT (account_id, period_key) DO NOTHING
	`, accountID, periodKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
