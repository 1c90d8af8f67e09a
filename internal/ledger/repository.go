package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/tokengate/internal/models"
	"github.com/inaiurai/tokengate/internal/repository"
)

// TxBeginner opens a transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountRepo is the account persistence the store needs.
type AccountRepo interface {
	Create(ctx context.Context, q repository.DBTX, a *models.Account) (bool, error)
	GetByID(ctx context.Context, q repository.DBTX, id uuid.UUID) (*models.Account, error)
	GetBySubject(ctx context.Context, q repository.DBTX, subject string) (*models.Account, error)
	SetRole(ctx context.Context, q repository.DBTX, id uuid.UUID, role string) error
	SetScope(ctx context.Context, q repository.DBTX, accountID uuid.UUID) error
}

// EntitlementRepo is the only writer of token_balance.
type EntitlementRepo interface {
	Create(ctx context.Context, q repository.DBTX, e *models.Entitlement) error
	Get(ctx context.Context, q repository.DBTX, accountID uuid.UUID) (*models.Entitlement, error)
	GetForUpdate(ctx context.Context, q repository.DBTX, accountID uuid.UUID) (*models.Entitlement, error)
	DeductTokens(ctx context.Context, q repository.DBTX, accountID uuid.UUID, amount int64) (int64, bool, error)
	AddTokens(ctx context.Context, q repository.DBTX, accountID uuid.UUID, amount int64) (int64, error)
	SetRenewsAt(ctx context.Context, q repository.DBTX, accountID uuid.UUID, renewsAt time.Time) error
	ListDue(ctx context.Context, q repository.DBTX, now time.Time, after uuid.UUID, limit int) ([]*models.Entitlement, error)
}

type PlanRepo interface {
	GetByID(ctx context.Context, q repository.DBTX, id string) (*models.Plan, error)
}

type CreditRepo interface {
	CreateTx(ctx context.Context, q repository.DBTX, c *models.Transaction) error
	ListByAccountID(ctx context.Context, q repository.DBTX, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type SpendRepo interface {
	Create(ctx context.Context, q repository.DBTX, s *models.SpendAttempt) error
	GetByKey(ctx context.Context, q repository.DBTX, accountID uuid.UUID, key string) (*models.SpendAttempt, error)
	GetByKeyForUpdate(ctx context.Context, q repository.DBTX, accountID uuid.UUID, key string) (*models.SpendAttempt, error)
	MarkCommitted(ctx context.Context, q repository.DBTX, accountID uuid.UUID, key string, result []byte) error
	MarkRefunded(ctx context.Context, q repository.DBTX, accountID uuid.UUID, key, reason string) error
	ListPendingBefore(ctx context.Context, q repository.DBTX, before time.Time, limit int) ([]*models.SpendAttempt, error)
}

type GrantRepo interface {
	InsertPeriod(ctx context.Context, q repository.DBTX, accountID uuid.UUID, periodKey string) (bool, error)
}

// Repos bundles the repositories backing a Store.
type Repos struct {
	Accounts     AccountRepo
	Entitlements EntitlementRepo
	Plans        PlanRepo
	Credits      CreditRepo
	Spends       SpendRepo
	Grants       GrantRepo
}

// PostgresRepos returns the pgx-backed repositories.
func PostgresRepos() Repos {
	return Repos{
		Accounts:     repository.NewAccountRepo(),
		Entitlements: repository.NewEntitlementRepo(),
		Plans:        repository.NewPlanRepo(),
		Credits:      repository.NewCreditRepo(),
		Spends:       repository.NewSpendRepo(),
		Grants:       repository.NewGrantRepo(),
	}
}
