package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/ledger/ledgertest"
	"github.com/inaiurai/tokengate/internal/models"
)

func TestSweep_RefundsOnlyStalePending(t *testing.T) {
	db := ledgertest.New()
	store := db.Store()
	ctx := context.Background()
	id := db.AddAccount("a", 100, time.Now().AddDate(0, 1, 0))

	stale, fresh, done := uuid.NewString(), uuid.NewString(), uuid.NewString()
	for _, key := range []string{stale, fresh, done} {
		if _, err := store.Debit(ctx, id, 10, key, "decode"); err != nil {
			t.Fatalf("Debit: %v", err)
		}
	}
	if err := store.Settle(ctx, id, done, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	db.AgeSpend(id, stale, 5*time.Minute)
	db.AgeSpend(id, done, 5*time.Minute)

	r := NewReconciler(store, discardLogger())
	n, err := r.Sweep(ctx, 2*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if db.Balance(id) != 80 || db.LedgerSum(id) != 80 {
		t.Errorf("balance %d ledger %d, want 80", db.Balance(id), db.LedgerSum(id))
	}
	want := map[string]string{
		stale: models.SpendStatusRefunded,
		fresh: models.SpendStatusPending,
		done:  models.SpendStatusCommitted,
	}
	for key, status := range want {
		if a, _ := db.Spend(id, key); a.Status != status {
			t.Errorf("%s: status %s, want %s", key, a.Status, status)
		}
	}
	if a, _ := db.Spend(id, stale); a.FailureReason != ReasonReconciliation {
		t.Errorf("reason = %q", a.FailureReason)
	}

	if n, err := r.Sweep(ctx, 2*time.Minute); err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v", n, err)
	}
}

func TestSweep_PagesUntilDrained(t *testing.T) {
	db := ledgertest.New()
	store := db.Store()
	ctx := context.Background()
	id := db.AddAccount("a", 100, time.Now().AddDate(0, 1, 0))
	for i := 0; i < 7; i++ {
		key := uuid.NewString()
		if _, err := store.Debit(ctx, id, 1, key, "decode"); err != nil {
			t.Fatal(err)
		}
		db.AgeSpend(id, key, time.Hour)
	}

	r := NewReconciler(store, discardLogger())
	r.BatchSize = 3
	n, err := r.Sweep(ctx, time.Minute)
	if err != nil || n != 7 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if db.Balance(id) != 100 {
		t.Errorf("balance = %d", db.Balance(id))
	}
}

func TestSweep_RequiresWindow(t *testing.T) {
	r := NewReconciler(ledgertest.New().Store(), discardLogger())
	if _, err := r.Sweep(context.Background(), 0); err == nil {
		t.Error("expected error for zero window")
	}
}
