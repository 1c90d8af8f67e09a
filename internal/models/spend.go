package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Spend attempt statuses. An attempt is created pending together with its
// debit and ends either committed or refunded.
const (
	SpendStatusPending   = "pending"
	SpendStatusCommitted = "committed"
	SpendStatusRefunded  = "refunded"
)

// SpendAttempt records the outcome of one idempotency key.
type SpendAttempt struct {
	AccountID      uuid.UUID       `json:"account_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Operation      string          `json:"operation"`
	Cost           int64           `json:"cost"`
	BalanceAfter   int64           `json:"balance_after"`
	Status         string          `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}
