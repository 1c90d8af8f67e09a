package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/models"
)

// CreditRepo appends to and reads the transactions ledger. Rows are never
// updated or deleted.
type CreditRepo struct{}

func NewCreditRepo() *CreditRepo {
	return &CreditRepo{}
}

// CreateTx inserts a ledger row. A second spend or refund for the same
// (account_id, idempotency_key) fails with a unique violation.
func (r *CreditRepo) CreateTx(ctx context.Context, q DBTX, c *models.Transaction) error {
	return q.QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, kind, amount, balance_after, idempotency_key, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, c.ID, c.AccountID, c.Kind, c.Amount, c.BalanceAfter, c.IdempotencyKey, []byte(c.Reference)).Scan(&c.CreatedAt)
}

// ListByAccountID returns the most recent rows first.
func (r *CreditRepo) ListByAccountID(ctx context.Context, q DBTX, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT id, account_id, kind, amount, balance_after, idempotency_key, reference, created_at
		FROM transactions WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var c models.Transaction
		var ref []byte
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Kind, &c.Amount, &c.BalanceAfter, &c.IdempotencyKey, &ref, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Reference = ref
		list = append(list, &c)
	}
	return list, rows.Err()
}
