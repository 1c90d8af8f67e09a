package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/tokengate/internal/models"
	"github.com/inaiurai/tokengate/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when the balance does not cover the debit.
	// Nothing is written.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive debit or credit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrNoEntitlement is returned when crediting an account that has no entitlement row.
	ErrNoEntitlement = errors.New("entitlement not found")
	// ErrSpendNotFound is returned when settling or refunding an unknown key.
	ErrSpendNotFound = errors.New("spend attempt not found")
	// ErrAlreadyCommitted is returned when refunding a spend whose work succeeded.
	ErrAlreadyCommitted = errors.New("spend already committed")
	// ErrAlreadyRefunded is returned when committing a spend that was refunded.
	ErrAlreadyRefunded = errors.New("spend already refunded")
)

// Mode names the database role an operation runs under.
type Mode int

const (
	// ModeSubject runs on the caller-scoped pool with app.account_id bound to
	// the verified account.
	ModeSubject Mode = iota
	// ModeSystem runs on the elevated pool used by account bootstrap, the
	// grant scheduler and reconciliation.
	ModeSystem
)

func (m Mode) String() string {
	if m == ModeSystem {
		return "system"
	}
	return "subject"
}

// DebitResult is the outcome of a debit. Replayed is true when the key had
// already been charged; NewBalance is then the balance recorded by that charge.
type DebitResult struct {
	NewBalance int64
	Replayed   bool
	Attempt    models.SpendAttempt
}

// Store is the ledger. It is the only component that mutates token balances.
type Store struct {
	subject TxBeginner
	system  TxBeginner
	repos   Repos

	DefaultPlanID string
	Now           func() time.Time
}

// NewStore returns a Store. subjectDB and systemDB may be the same pool when
// the deployment does not separate roles.
func NewStore(subjectDB, systemDB TxBeginner, repos Repos) *Store {
	return &Store{
		subject:       subjectDB,
		system:        systemDB,
		repos:         repos,
		DefaultPlanID: models.DefaultPlanID,
		Now:           time.Now,
	}
}

func (s *Store) begin(ctx context.Context, mode Mode, accountID uuid.UUID) (pgx.Tx, error) {
	db := s.subject
	if mode == ModeSystem {
		db = s.system
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s tx: %w", mode, err)
	}
	if mode == ModeSubject {
		if err := s.repos.Accounts.SetScope(ctx, tx, accountID); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("scope tx: %w", err)
		}
	}
	return tx, nil
}

// EnsureAccount returns the account for subject, creating it with an
// entitlement and a welcome grant on first sight. Concurrent first logins of
// the same subject converge on one account.
func (s *Store) EnsureAccount(ctx context.Context, subject, role string) (*models.Account, error) {
	tx, err := s.begin(ctx, ModeSystem, uuid.Nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.repos.Accounts.GetBySubject(ctx, tx, subject)
	if err == nil {
		if role == "" || acc.Role == role {
			return acc, nil
		}
		// The admin allowlist is configuration; follow it when it changes.
		if err := s.repos.Accounts.SetRole(ctx, tx, acc.ID, role); err != nil {
			return nil, fmt.Errorf("update role: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit role: %w", err)
		}
		acc.Role = role
		return acc, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	acc = &models.Account{ID: uuid.New(), ExternalSubjectID: subject, Role: role}
	created, err := s.repos.Accounts.Create(ctx, tx, acc)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if !created {
		// Lost the race; the winner's row is committed by now.
		_ = tx.Rollback(ctx)
		return s.lookupSubject(ctx, subject)
	}

	plan, err := s.repos.Plans.GetByID(ctx, tx, s.DefaultPlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan %q: %w", s.DefaultPlanID, err)
	}
	now := s.Now().UTC()
	ent := &models.Entitlement{
		AccountID: acc.ID,
		PlanID:    plan.ID,
		RenewsAt:  now.AddDate(0, 1, 0),
	}
	if err := s.repos.Entitlements.Create(ctx, tx, ent); err != nil {
		return nil, fmt.Errorf("create entitlement: %w", err)
	}
	if plan.TokensGranted > 0 {
		ref := models.Reference{PlanID: plan.ID}
		if _, err := s.credit(ctx, tx, acc.ID, plan.TokensGranted, models.TxKindWelcomeGrant, nil, ref); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit account: %w", err)
	}
	return acc, nil
}

func (s *Store) lookupSubject(ctx context.Context, subject string) (*models.Account, error) {
	tx, err := s.begin(ctx, ModeSystem, uuid.Nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Accounts.GetBySubject(ctx, tx, subject)
}

// Account returns the account with the given id.
func (s *Store) Account(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Accounts.GetByID(ctx, tx, accountID)
}

// GetBalance returns the current balance, or 0 when no entitlement exists yet.
func (s *Store) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	ent, err := s.repos.Entitlements.Get(ctx, tx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get entitlement: %w", err)
	}
	return ent.TokenBalance, nil
}

// Debit charges cost once per (accountID, key). The balance check, the balance
// write, the spend transaction and the pending attempt commit together. A
// repeated key returns the first charge's result whatever cost it carries.
func (s *Store) Debit(ctx context.Context, accountID uuid.UUID, cost int64, key, operation string) (DebitResult, error) {
	if err := ValidateIdempotencyKey(key); err != nil {
		return DebitResult{}, err
	}
	if cost <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	res, err := s.debit(ctx, accountID, cost, key, operation)
	if repository.IsUniqueViolation(err) {
		// A concurrent debit with the same key committed first.
		return s.replay(ctx, accountID, key)
	}
	return res, err
}

func (s *Store) debit(ctx context.Context, accountID uuid.UUID, cost int64, key, operation string) (DebitResult, error) {
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return DebitResult{}, err
	}
	defer tx.Rollback(ctx)

	ent, err := s.repos.Entitlements.GetForUpdate(ctx, tx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return DebitResult{}, ErrInsufficientFunds
	}
	if err != nil {
		return DebitResult{}, fmt.Errorf("lock entitlement: %w", err)
	}

	prev, err := s.repos.Spends.GetByKey(ctx, tx, accountID, key)
	if err == nil {
		return DebitResult{NewBalance: prev.BalanceAfter, Replayed: true, Attempt: *prev}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return DebitResult{}, fmt.Errorf("lookup spend: %w", err)
	}

	if ent.TokenBalance < cost {
		return DebitResult{}, ErrInsufficientFunds
	}
	newBalance, ok, err := s.repos.Entitlements.DeductTokens(ctx, tx, accountID, cost)
	if err != nil {
		return DebitResult{}, fmt.Errorf("deduct tokens: %w", err)
	}
	if !ok {
		return DebitResult{}, ErrInsufficientFunds
	}

	k := key
	entry := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      accountID,
		Kind:           models.TxKindSpend,
		Amount:         -cost,
		BalanceAfter:   newBalance,
		IdempotencyKey: &k,
		Reference:      models.Reference{IdempotencyKey: key, Operation: operation}.Raw(),
	}
	if err := s.repos.Credits.CreateTx(ctx, tx, entry); err != nil {
		return DebitResult{}, fmt.Errorf("insert spend: %w", err)
	}
	attempt := &models.SpendAttempt{
		AccountID:      accountID,
		IdempotencyKey: key,
		Operation:      operation,
		Cost:           cost,
		BalanceAfter:   newBalance,
		Status:         models.SpendStatusPending,
	}
	if err := s.repos.Spends.Create(ctx, tx, attempt); err != nil {
		return DebitResult{}, fmt.Errorf("insert spend attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return DebitResult{}, fmt.Errorf("commit debit: %w", err)
	}
	return DebitResult{NewBalance: newBalance, Attempt: *attempt}, nil
}

func (s *Store) replay(ctx context.Context, accountID uuid.UUID, key string) (DebitResult, error) {
	prev, err := s.Attempt(ctx, accountID, key)
	if err != nil {
		return DebitResult{}, err
	}
	return DebitResult{NewBalance: prev.BalanceAfter, Replayed: true, Attempt: *prev}, nil
}

// Attempt returns the recorded attempt for key.
func (s *Store) Attempt(ctx context.Context, accountID uuid.UUID, key string) (*models.SpendAttempt, error) {
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	a, err := s.repos.Spends.GetByKey(ctx, tx, accountID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSpendNotFound
	}
	return a, err
}

// Credit adds amount to the account and appends a transaction of the given kind.
func (s *Store) Credit(ctx context.Context, accountID uuid.UUID, amount int64, kind string, ref models.Reference) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx, err := s.begin(ctx, ModeSystem, accountID)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.repos.Entitlements.GetForUpdate(ctx, tx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrNoEntitlement
		}
		return 0, fmt.Errorf("lock entitlement: %w", err)
	}
	newBalance, err := s.credit(ctx, tx, accountID, amount, kind, nil, ref)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return newBalance, nil
}

// credit runs inside tx after the entitlement row is locked.
func (s *Store) credit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, kind string, key *string, ref models.Reference) (int64, error) {
	newBalance, err := s.repos.Entitlements.AddTokens(ctx, tx, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("add tokens: %w", err)
	}
	entry := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amount,
		BalanceAfter:   newBalance,
		IdempotencyKey: key,
		Reference:      ref.Raw(),
	}
	if err := s.repos.Credits.CreateTx(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("insert %s: %w", kind, err)
	}
	return newBalance, nil
}

// ListTransactions returns up to limit rows, most recent first.
func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Credits.ListByAccountID(ctx, tx, accountID, limit)
}

// ListTransactionsAsSystem is ListTransactions for admin inspection of any account.
func (s *Store) ListTransactionsAsSystem(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.begin(ctx, ModeSystem, accountID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Credits.ListByAccountID(ctx, tx, accountID, limit)
}

// Settle marks a pending spend committed and stores the work result. Settling
// an already committed spend is a no-op.
func (s *Store) Settle(ctx context.Context, accountID uuid.UUID, key string, result []byte) error {
	tx, err := s.begin(ctx, ModeSubject, accountID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	a, err := s.repos.Spends.GetByKeyForUpdate(ctx, tx, accountID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSpendNotFound
	}
	if err != nil {
		return fmt.Errorf("lock spend attempt: %w", err)
	}
	switch a.Status {
	case models.SpendStatusCommitted:
		return nil
	case models.SpendStatusRefunded:
		return ErrAlreadyRefunded
	}
	if err := s.repos.Spends.MarkCommitted(ctx, tx, accountID, key, result); err != nil {
		return fmt.Errorf("mark committed: %w", err)
	}
	return tx.Commit(ctx)
}

// Refund credits back exactly the amount debited for key and marks the attempt
// refunded. Refunding twice returns the current balance without a second credit.
func (s *Store) Refund(ctx context.Context, accountID uuid.UUID, key, reason string) (int64, error) {
	return s.refund(ctx, ModeSubject, accountID, key, reason)
}

// RefundAsSystem is Refund on the system pool, for reconciliation.
func (s *Store) RefundAsSystem(ctx context.Context, accountID uuid.UUID, key, reason string) (int64, error) {
	return s.refund(ctx, ModeSystem, accountID, key, reason)
}

func (s *Store) refund(ctx context.Context, mode Mode, accountID uuid.UUID, key, reason string) (int64, error) {
	tx, err := s.begin(ctx, mode, accountID)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// Entitlement before attempt, the same order Debit takes its locks in.
	ent, err := s.repos.Entitlements.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrNoEntitlement
		}
		return 0, fmt.Errorf("lock entitlement: %w", err)
	}
	a, err := s.repos.Spends.GetByKeyForUpdate(ctx, tx, accountID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrSpendNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock spend attempt: %w", err)
	}
	switch a.Status {
	case models.SpendStatusRefunded:
		return ent.TokenBalance, nil
	case models.SpendStatusCommitted:
		return 0, ErrAlreadyCommitted
	}

	k := key
	ref := models.Reference{IdempotencyKey: key, Operation: a.Operation, Reason: reason}
	newBalance, err := s.credit(ctx, tx, accountID, a.Cost, models.TxKindRefund, &k, ref)
	if err != nil {
		return 0, err
	}
	if err := s.repos.Spends.MarkRefunded(ctx, tx, accountID, key, reason); err != nil {
		return 0, fmt.Errorf("mark refunded: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit refund: %w", err)
	}
	return newBalance, nil
}

// PendingBefore lists pending attempts older than cutoff across all accounts.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.SpendAttempt, error) {
	tx, err := s.begin(ctx, ModeSystem, uuid.Nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Spends.ListPendingBefore(ctx, tx, cutoff, limit)
}

// ListDue pages through entitlements whose renewal time has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]*models.Entitlement, error) {
	tx, err := s.begin(ctx, ModeSystem, uuid.Nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return s.repos.Entitlements.ListDue(ctx, tx, now, after, limit)
}

// GrantPeriod credits the account's plan allowance for periodKey at most once
// and advances renews_at by one month. granted is false when the account was
// already granted for the period or is not due.
func (s *Store) GrantPeriod(ctx context.Context, accountID uuid.UUID, periodKey string, now time.Time) (granted bool, err error) {
	tx, err := s.begin(ctx, ModeSystem, accountID)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ent, err := s.repos.Entitlements.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNoEntitlement
		}
		return false, fmt.Errorf("lock entitlement: %w", err)
	}
	if ent.RenewsAt.After(now) {
		return false, nil
	}
	inserted, err := s.repos.Grants.InsertPeriod(ctx, tx, accountID, periodKey)
	if err != nil {
		return false, fmt.Errorf("record grant period: %w", err)
	}
	if !inserted {
		return false, nil
	}
	plan, err := s.repos.Plans.GetByID(ctx, tx, ent.PlanID)
	if err != nil {
		return false, fmt.Errorf("load plan %q: %w", ent.PlanID, err)
	}
	if plan.TokensGranted > 0 {
		ref := models.Reference{PeriodKey: periodKey, PlanID: plan.ID}
		if _, err := s.credit(ctx, tx, accountID, plan.TokensGranted, models.TxKindMonthlyGrant, nil, ref); err != nil {
			return false, err
		}
	}
	if err := s.repos.Entitlements.SetRenewsAt(ctx, tx, accountID, ent.RenewsAt.AddDate(0, 1, 0)); err != nil {
		return false, fmt.Errorf("advance renewal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return true, nil
}
