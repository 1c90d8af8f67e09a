// Package ledgertest provides an in-memory ledger backend for tests.
//
// Every transaction holds one global lock from Begin until Commit or
// Rollback, which gives the same per-account serialization the Postgres
// row locks give. Writes are applied immediately and are not undone by
// Rollback; the store only writes after all of its checks pass.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/tokengate/internal/ledger"
	"github.com/inaiurai/tokengate/internal/models"
	"github.com/inaiurai/tokengate/internal/repository"
)

// DB is an in-memory database shared by the repositories it hands out.
type DB struct {
	txMu sync.Mutex

	mu           sync.Mutex
	accounts     map[uuid.UUID]*models.Account
	entitlements map[uuid.UUID]*models.Entitlement
	plans        map[string]*models.Plan
	transactions []*models.Transaction
	spends       map[spendKey]*models.SpendAttempt
	grants       map[spendKey]bool
	seq          int

	// BeginErr, when set, fails every Begin.
	BeginErr error
	// Begins counts Begin calls.
	Begins int
}

type spendKey struct {
	account uuid.UUID
	key     string
}

// New returns an empty DB seeded with the free (1000 tokens) and pro plans.
func New() *DB {
	return &DB{
		accounts:     map[uuid.UUID]*models.Account{},
		entitlements: map[uuid.UUID]*models.Entitlement{},
		plans: map[string]*models.Plan{
			"free": {ID: "free", Name: "Free", TokensGranted: 1000},
			"pro":  {ID: "pro", Name: "Pro", TokensGranted: 20000},
		},
		spends: map[spendKey]*models.SpendAttempt{},
		grants: map[spendKey]bool{},
	}
}

// Store returns a ledger.Store backed by db on both pools.
func (db *DB) Store() *ledger.Store {
	return ledger.NewStore(db, db, db.Repos())
}

// Repos returns repositories backed by db.
func (db *DB) Repos() ledger.Repos {
	return ledger.Repos{
		Accounts:     accountRepo{db},
		Entitlements: entitlementRepo{db},
		Plans:        planRepo{db},
		Credits:      creditRepo{db},
		Spends:       spendRepo{db},
		Grants:       grantRepo{db},
	}
}

// Begin implements ledger.TxBeginner.
func (db *DB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	db.Begins++
	err := db.BeginErr
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	db.txMu.Lock()
	return &lockTx{release: db.txMu.Unlock}, nil
}

// AddAccount seeds an account with an entitlement holding balance. The balance
// is recorded as a welcome_grant so the ledger sum matches.
func (db *DB) AddAccount(subject string, balance int64, renewsAt time.Time) uuid.UUID {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := uuid.New()
	db.accounts[id] = &models.Account{ID: id, ExternalSubjectID: subject, Role: models.RoleUser, CreatedAt: db.now()}
	db.entitlements[id] = &models.Entitlement{AccountID: id, PlanID: "free", TokenBalance: balance, RenewsAt: renewsAt, UpdatedAt: db.now()}
	if balance > 0 {
		db.transactions = append(db.transactions, &models.Transaction{
			ID: uuid.New(), AccountID: id, Kind: models.TxKindWelcomeGrant, Amount: balance, BalanceAfter: balance, CreatedAt: db.now(),
		})
	}
	return id
}

// AddAccountWithoutEntitlement seeds a bare account.
func (db *DB) AddAccountWithoutEntitlement(subject string) uuid.UUID {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := uuid.New()
	db.accounts[id] = &models.Account{ID: id, ExternalSubjectID: subject, Role: models.RoleUser, CreatedAt: db.now()}
	return id
}

// SetPlan overrides a plan.
func (db *DB) SetPlan(p models.Plan) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.plans[p.ID] = &p
}

// Balance returns the stored balance, or -1 without an entitlement.
func (db *DB) Balance(id uuid.UUID) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entitlements[id]
	if !ok {
		return -1
	}
	return e.TokenBalance
}

// Entitlement returns a copy of the account's entitlement.
func (db *DB) Entitlement(id uuid.UUID) models.Entitlement {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.entitlements[id]
}

// Transactions returns the account's rows in insertion order.
func (db *DB) Transactions(id uuid.UUID) []models.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.Transaction
	for _, t := range db.transactions {
		if t.AccountID == id {
			out = append(out, *t)
		}
	}
	return out
}

// LedgerSum returns the sum of the account's transaction amounts.
func (db *DB) LedgerSum(id uuid.UUID) int64 {
	var sum int64
	for _, t := range db.Transactions(id) {
		sum += t.Amount
	}
	return sum
}

// Spend returns a copy of the recorded attempt, if any.
func (db *DB) Spend(id uuid.UUID, key string) (models.SpendAttempt, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.spends[spendKey{id, key}]
	if !ok {
		return models.SpendAttempt{}, false
	}
	return *s, true
}

// AgeSpend moves an attempt's creation time back by d.
func (db *DB) AgeSpend(id uuid.UUID, key string, d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.spends[spendKey{id, key}]; ok {
		s.CreatedAt = s.CreatedAt.Add(-d)
	}
}

// AccountBySubject returns the account for subject.
func (db *DB) AccountBySubject(subject string) (models.Account, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, a := range db.accounts {
		if a.ExternalSubjectID == subject {
			return *a, true
		}
	}
	return models.Account{}, false
}

// AccountCount returns the number of accounts.
func (db *DB) AccountCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.accounts)
}

// now returns strictly increasing timestamps so ordering by created_at is stable.
func (db *DB) now() time.Time {
	db.seq++
	return time.Now().UTC().Add(time.Duration(db.seq) * time.Microsecond)
}

// --- pgx.Tx ---

type lockTx struct {
	once    sync.Once
	release func()
}

func (t *lockTx) done() { t.once.Do(t.release) }

func (t *lockTx) Begin(context.Context) (pgx.Tx, error) { return nil, fmt.Errorf("nested tx not supported") }
func (t *lockTx) Commit(context.Context) error          { t.done(); return nil }
func (t *lockTx) Rollback(context.Context) error        { t.done(); return nil }
func (t *lockTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *lockTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *lockTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *lockTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *lockTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *lockTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *lockTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *lockTx) Conn() *pgx.Conn { return nil }

// --- repositories ---

type accountRepo struct{ db *DB }

func (r accountRepo) Create(_ context.Context, _ repository.DBTX, a *models.Account) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.accounts {
		if existing.ExternalSubjectID == a.ExternalSubjectID {
			return false, nil
		}
	}
	a.CreatedAt = r.db.now()
	cp := *a
	r.db.accounts[a.ID] = &cp
	return true, nil
}

func (r accountRepo) GetByID(_ context.Context, _ repository.DBTX, id uuid.UUID) (*models.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r accountRepo) GetBySubject(_ context.Context, _ repository.DBTX, subject string) (*models.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, a := range r.db.accounts {
		if a.ExternalSubjectID == subject {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r accountRepo) SetRole(_ context.Context, _ repository.DBTX, id uuid.UUID, role string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Role = role
	return nil
}

func (r accountRepo) SetScope(context.Context, repository.DBTX, uuid.UUID) error { return nil }

type entitlementRepo struct{ db *DB }

func (r entitlementRepo) Create(_ context.Context, _ repository.DBTX, e *models.Entitlement) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.entitlements[e.AccountID]; ok {
		return &pgconn.PgError{Code: "23505"}
	}
	e.UpdatedAt = r.db.now()
	cp := *e
	r.db.entitlements[e.AccountID] = &cp
	return nil
}

func (r entitlementRepo) Get(_ context.Context, _ repository.DBTX, id uuid.UUID) (*models.Entitlement, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entitlements[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r entitlementRepo) GetForUpdate(ctx context.Context, q repository.DBTX, id uuid.UUID) (*models.Entitlement, error) {
	return r.Get(ctx, q, id)
}

func (r entitlementRepo) DeductTokens(_ context.Context, _ repository.DBTX, id uuid.UUID, amount int64) (int64, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entitlements[id]
	if !ok || e.TokenBalance < amount {
		return 0, false, nil
	}
	e.TokenBalance -= amount
	return e.TokenBalance, true, nil
}

func (r entitlementRepo) AddTokens(_ context.Context, _ repository.DBTX, id uuid.UUID, amount int64) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entitlements[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	e.TokenBalance += amount
	return e.TokenBalance, nil
}

func (r entitlementRepo) SetRenewsAt(_ context.Context, _ repository.DBTX, id uuid.UUID, renewsAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if e, ok := r.db.entitlements[id]; ok {
		e.RenewsAt = renewsAt
	}
	return nil
}

func (r entitlementRepo) ListDue(_ context.Context, _ repository.DBTX, now time.Time, after uuid.UUID, limit int) ([]*models.Entitlement, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var due []*models.Entitlement
	for _, e := range r.db.entitlements {
		if !e.RenewsAt.After(now) && e.AccountID.String() > after.String() {
			cp := *e
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AccountID.String() < due[j].AccountID.String() })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

type planRepo struct{ db *DB }

func (r planRepo) GetByID(_ context.Context, _ repository.DBTX, id string) (*models.Plan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type creditRepo struct{ db *DB }

func (r creditRepo) CreateTx(_ context.Context, _ repository.DBTX, c *models.Transaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if c.IdempotencyKey != nil {
		for _, t := range r.db.transactions {
			if t.AccountID == c.AccountID && t.Kind == c.Kind && t.IdempotencyKey != nil && *t.IdempotencyKey == *c.IdempotencyKey {
				return &pgconn.PgError{Code: "23505"}
			}
		}
	}
	c.CreatedAt = r.db.now()
	cp := *c
	r.db.transactions = append(r.db.transactions, &cp)
	return nil
}

func (r creditRepo) ListByAccountID(_ context.Context, _ repository.DBTX, id uuid.UUID, limit int) ([]*models.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Transaction
	for i := len(r.db.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := r.db.transactions[i]; t.AccountID == id {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

type spendRepo struct{ db *DB }

func (r spendRepo) Create(_ context.Context, _ repository.DBTX, s *models.SpendAttempt) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	k := spendKey{s.AccountID, s.IdempotencyKey}
	if _, ok := r.db.spends[k]; ok {
		return &pgconn.PgError{Code: "23505"}
	}
	s.CreatedAt = r.db.now()
	cp := *s
	r.db.spends[k] = &cp
	return nil
}

func (r spendRepo) GetByKey(_ context.Context, _ repository.DBTX, id uuid.UUID, key string) (*models.SpendAttempt, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.spends[spendKey{id, key}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r spendRepo) GetByKeyForUpdate(ctx context.Context, q repository.DBTX, id uuid.UUID, key string) (*models.SpendAttempt, error) {
	return r.GetByKey(ctx, q, id, key)
}

func (r spendRepo) MarkCommitted(_ context.Context, _ repository.DBTX, id uuid.UUID, key string, result []byte) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.spends[spendKey{id, key}]; ok && s.Status == models.SpendStatusPending {
		now := r.db.now()
		s.Status = models.SpendStatusCommitted
		s.Result = result
		s.ResolvedAt = &now
	}
	return nil
}

func (r spendRepo) MarkRefunded(_ context.Context, _ repository.DBTX, id uuid.UUID, key, reason string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.spends[spendKey{id, key}]; ok && s.Status == models.SpendStatusPending {
		now := r.db.now()
		s.Status = models.SpendStatusRefunded
		s.FailureReason = reason
		s.ResolvedAt = &now
	}
	return nil
}

func (r spendRepo) ListPendingBefore(_ context.Context, _ repository.DBTX, before time.Time, limit int) ([]*models.SpendAttempt, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.SpendAttempt
	for _, s := range r.db.spends {
		if s.Status == models.SpendStatusPending && s.CreatedAt.Before(before) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type grantRepo struct{ db *DB }

func (r grantRepo) InsertPeriod(_ context.Context, _ repository.DBTX, id uuid.UUID, periodKey string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	k := spendKey{id, periodKey}
	if r.db.grants[k] {
		return false, nil
	}
	r.db.grants[k] = true
	return true, nil
}
