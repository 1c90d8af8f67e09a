package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction kinds.
const (
	TxKindWelcomeGrant = "welcome_grant"
	TxKindMonthlyGrant = "monthly_grant"
	TxKindSpend        = "spend"
	TxKindRefund       = "refund"
)

// Transaction is an append-only ledger row. Amount is positive for credits and
// negative for debits; the amounts of an account always sum to its balance.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Reference      json.RawMessage `json:"reference,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Reference is the structured payload stored in Transaction.Reference.
type Reference struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Operation      string `json:"operation,omitempty"`
	PeriodKey      string `json:"period_key,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Raw marshals r for storage. Reference holds only strings so Marshal cannot fail.
func (r Reference) Raw() json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}
