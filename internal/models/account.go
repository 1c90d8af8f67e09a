package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is created the first time a new identity-provider subject is verified.
// Only Role may change afterwards.
type Account struct {
	ID                uuid.UUID `json:"id"`
	ExternalSubjectID string    `json:"external_subject_id"`
	Role              string    `json:"role"`
	CreatedAt         time.Time `json:"created_at"`
}

// Entitlement holds an account's spendable balance. It is mutated only by the ledger.
type Entitlement struct {
	AccountID    uuid.UUID `json:"account_id"`
	PlanID       string    `json:"plan_id"`
	TokenBalance int64     `json:"token_balance"`
	RenewsAt     time.Time `json:"renews_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Plan is static reference data.
type Plan struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TokensGranted int64  `json:"tokens_granted"`
}

// DefaultPlanID is assigned to accounts created on first login.
const DefaultPlanID = "free"
