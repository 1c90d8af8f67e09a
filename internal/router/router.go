package router

import (
	"net/http"

	"github.com/inaiurai/tokengate/internal/handlers"
	"github.com/inaiurai/tokengate/internal/middleware"
	"github.com/inaiurai/tokengate/internal/services"
)

// maxBodyBytes caps operation input and every other request body.
const maxBodyBytes = 1 << 20

// Deps is everything the router mounts.
type Deps struct {
	Spend    *handlers.SpendHandler
	Accounts *handlers.AccountHandler
	Admin    *handlers.AdminHandler
	Catalog  *services.Catalog

	Verifier middleware.Verifier
	Ledger   middleware.AccountEnsurer
	Roles    interface {
		middleware.RoleResolver
		middleware.AdminChecker
	}
	AdminSecret middleware.SecretChecker
	OnError     middleware.ErrorWriter
}

// New returns the API handler. Paid operations live under /v1, admin
// endpoints under /api/v1/admin. Every response carries X-Request-ID.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authn := middleware.Authenticate(d.Verifier, d.Ledger, d.Roles, d.OnError)
	secret := middleware.AdminSecret(d.AdminSecret)
	adminRole := middleware.RequireAdmin(d.Roles)

	// The executor verifies the caller itself so that a rejected credential
	// never reaches the ledger.
	mux.HandleFunc("POST /v1/ops/{operation}", d.Spend.Spend)
	mux.HandleFunc("GET /v1/operations", handlers.ListOperations(d.Catalog))

	mux.Handle("GET /v1/balance", authn(http.HandlerFunc(d.Accounts.Balance)))
	mux.Handle("GET /v1/transactions", authn(http.HandlerFunc(d.Accounts.Transactions)))
	mux.Handle("GET /v1/me", authn(http.HandlerFunc(d.Accounts.Me)))

	base := "/api/v1/admin"
	mux.Handle("POST "+base+"/grants/{period}", secret(http.HandlerFunc(d.Admin.RunGrants)))
	mux.Handle("POST "+base+"/reconcile", secret(http.HandlerFunc(d.Admin.Reconcile)))
	mux.Handle("GET "+base+"/accounts/{id}/transactions", authn(adminRole(http.HandlerFunc(d.Admin.AccountTransactions))))

	return middleware.RequestID(middleware.MaxBody(maxBodyBytes)(mux))
}
