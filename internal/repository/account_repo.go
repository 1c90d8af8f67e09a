package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/tokengate/internal/models"
)

type AccountRepo struct{}

func NewAccountRepo() *AccountRepo {
	return &AccountRepo{}
}

// Create inserts the account unless the subject already exists. created is
// false when another writer got there first.
func (r *AccountRepo) Create(ctx context.Context, q DBTX, a *models.Account) (created bool, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO accounts (id, external_subject_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_subject_id) DO NOTHING
		RETURNING created_at
	`, a.ID, a.ExternalSubjectID, a.Role).Scan(&a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, q DBTX, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := q.QueryRow(ctx, `
		SELECT id, external_subject_id, role, created_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.ExternalSubjectID, &a.Role, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *AccountRepo) GetBySubject(ctx context.Context, q DBTX, subject string) (*models.Account, error) {
	var a models.Account
	err := q.QueryRow(ctx, `
		SELECT id, external_subject_id, role, created_at FROM accounts WHERE external_subject_id = $1
	`, subject).Scan(&a.ID, &a.ExternalSubjectID, &a.Role, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *AccountRepo) SetRole(ctx context.Context, q DBTX, id uuid.UUID, role string) error {
	_, err := q.Exec(ctx, `UPDATE accounts SET role = $2 WHERE id = $1`, id, role)
	return err
}

// SetScope binds the transaction to one account so row-level policies keyed on
// app.account_id apply. Call first thing inside a subject-scoped transaction.
func (r *AccountRepo) SetScope(ctx context.Context, q DBTX, accountID uuid.UUID) error {
	_, err := q.Exec(ctx, `SELECT set_config('app.account_id', $1, true)`, accountID.String())
	return err
}

type EntitlementRepo struct{}

func NewEntitlementRepo() *EntitlementRepo {
	return &EntitlementRepo{}
}

func (r *EntitlementRepo) Create(ctx context.Context, q DBTX, e *models.Entitlement) error {
	return q.QueryRow(ctx, `
		INSERT INTO entitlements (account_id, plan_id, token_balance, renews_at)
		VALUES ($1, $2, $3, $4)
		RETURNING updated_at
	`, e.AccountID, e.PlanID, e.TokenBalance, e.RenewsAt).Scan(&e.UpdatedAt)
}

func (r *EntitlementRepo) Get(ctx context.Context, q DBTX, accountID uuid.UUID) (*models.Entitlement, error) {
	return r.get(ctx, q, `
		SELECT account_id, plan_id, token_balance, renews_at, updated_at
		FROM entitlements WHERE account_id = $1
	`, accountID)
}

// GetForUpdate locks the entitlement row. Call within a transaction.
func (r *EntitlementRepo) GetForUpdate(ctx context.Context, q DBTX, accountID uuid.UUID) (*models.Entitlement, error) {
	return r.get(ctx, q, `
		SELECT account_id, plan_id, token_balance, renews_at, updated_at
		FROM entitlements WHERE account_id = $1 FOR UPDATE
	`, accountID)
}

func (r *EntitlementRepo) get(ctx context.Context, q DBTX, sql string, accountID uuid.UUID) (*models.Entitlement, error) {
	var e models.Entitlement
	err := q.QueryRow(ctx, sql, accountID).Scan(&e.AccountID, &e.PlanID, &e.TokenBalance, &e.RenewsAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// DeductTokens subtracts amount if the balance covers it. ok is false when it does not.
func (r *EntitlementRepo) DeductTokens(ctx context.Context, q DBTX, accountID uuid.UUID, amount int64) (newBalance int64, ok bool, err error) {
	err = q.QueryRow(ctx, `
		UPDATE entitlements SET token_balance = token_balance - $1, updated_at = now()
		WHERE account_id = $2 AND token_balance >= $1
		RETURNING token_balance
	`, amount, accountID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newBalance, true, nil
}

// AddTokens adds amount and returns the new balance.
func (r *EntitlementRepo) AddTokens(ctx context.Context, q DBTX, accountID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = q.QueryRow(ctx, `
		UPDATE entitlements SET token_balance = token_balance + $1, updated_at = now()
		WHERE account_id = $2
		RETURNING token_balance
	`, amount, accountID).Scan(&newBalance)
	return newBalance, notFound(err)
}

func (r *EntitlementRepo) SetRenewsAt(ctx context.Context, q DBTX, accountID uuid.UUID, renewsAt time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE entitlements SET renews_at = $2, updated_at = now() WHERE account_id = $1
	`, accountID, renewsAt)
	return err
}

// ListDue pages through entitlements with renews_at <= now in account_id order,
// starting after the given id.
func (r *EntitlementRepo) ListDue(ctx context.Context, q DBTX, now time.Time, after uuid.UUID, limit int) ([]*models.Entitlement, error) {
	rows, err := q.Query(ctx, `
		SELECT account_id, plan_id, token_balance, renews_at, updated_at
		FROM entitlements
		WHERE renews_at <= $1 AND account_id > $2
		ORDER BY account_id
		LIMIT $3
	`, now, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Entitlement
	for rows.Next() {
		var e models.Entitlement
		if err := rows.Scan(&e.AccountID, &e.PlanID, &e.TokenBalance, &e.RenewsAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

type PlanRepo struct{}

func NewPlanRepo() *PlanRepo {
	return &PlanRepo{}
}

func (r *PlanRepo) GetByID(ctx context.Context, q DBTX, id string) (*models.Plan, error) {
	var p models.Plan
	err := q.QueryRow(ctx, `
		SELECT id, name, tokens_granted FROM plans WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.TokensGranted)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
