package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/inaiurai/tokengate/internal/auth"
	"github.com/inaiurai/tokengate/internal/handlers"
	"github.com/inaiurai/tokengate/internal/ledger/ledgertest"
	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/services"
)

type subjectVerifier struct{}

func (subjectVerifier) Verify(_ context.Context, header, requestID string) (auth.Identity, error) {
	tok, ok := auth.BearerToken(header)
	if !ok {
		return auth.Identity{}, &auth.Error{Reason: auth.ReasonNoCredential}
	}
	return auth.Identity{Subject: tok, RequestID: requestID}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *ledgertest.DB) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := ledgertest.New()
	store := db.Store()
	catalog, err := services.LoadCatalog(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	roles := auth.NewAuthorizer([]string{"root"})
	hash, _ := bcrypt.GenerateFromPassword([]byte("cron-secret"), bcrypt.MinCost)
	secret, err := auth.NewSecretChecker(string(hash))
	if err != nil {
		t.Fatal(err)
	}
	work := func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"decoded":"hi"}`), nil
	}
	exec := services.NewSpendExecutor(subjectVerifier{}, roles, store, catalog, work, logger)

	h := New(Deps{
		Spend:    &handlers.SpendHandler{Executor: exec, Logger: logger},
		Accounts: &handlers.AccountHandler{Ledger: store, Logger: logger},
		Admin: &handlers.AdminHandler{
			Grants:         services.NewGrantScheduler(store, logger),
			Reconciler:     services.NewReconciler(store, logger),
			ReconcileAfter: time.Minute,
			Ledger:         store,
			Logger:         logger,
		},
		Catalog:     catalog,
		Verifier:    subjectVerifier{},
		Ledger:      store,
		Roles:       roles,
		AdminSecret: secret,
		OnError:     handlers.ErrorWriter(logger),
	})
	return h, db
}

func TestRouter_Routes(t *testing.T) {
	h, _ := newTestRouter(t)
	period := services.PeriodKey(time.Now())
	cases := []struct {
		method, path string
		headers      map[string]string
		body         string
		want         int
	}{
		{"POST", "/v1/ops/decode", map[string]string{"Authorization": "Bearer alice", "Idempotency-Key": uuid.NewString()}, `{"text":"aGk="}`, 200},
		{"GET", "/v1/ops/decode", nil, "", http.StatusMethodNotAllowed},
		{"GET", "/v1/operations", nil, "", 200},
		{"GET", "/v1/balance", map[string]string{"Authorization": "Bearer alice"}, "", 200},
		{"GET", "/v1/balance", nil, "", 401},
		{"POST", "/api/v1/admin/grants/" + period, map[string]string{"X-Admin-Secret": "cron-secret"}, "", 200},
		{"POST", "/api/v1/admin/grants/" + period, map[string]string{"Authorization": "Bearer root"}, "", 401},
		{"POST", "/api/v1/admin/reconcile", map[string]string{"X-Admin-Secret": "nope"}, "", 401},
		{"GET", "/nowhere", nil, "", 404},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s %s: expected %d, got %d: %s", tc.method, tc.path, tc.want, rec.Code, rec.Body.String())
		}
		if rec.Header().Get(middleware.HeaderRequestID) == "" {
			t.Errorf("%s %s: missing X-Request-ID", tc.method, tc.path)
		}
	}
}

func TestRouter_RejectsOversizedBody(t *testing.T) {
	h, db := newTestRouter(t)
	big := `{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest("POST", "/v1/ops/decode", strings.NewReader(big))
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if db.AccountCount() != 0 {
		t.Errorf("oversized request reached the ledger")
	}
}
