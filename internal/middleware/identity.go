package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/auth"
	"github.com/inaiurai/tokengate/internal/models"
)

type contextKey string

const (
	ctxRequestIDKey contextKey = "request_id"
	ctxIdentityKey  contextKey = "identity"
	ctxAccountKey   contextKey = "account"
)

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// ErrorWriter renders err as the response. Handlers supply it so every
// rejection uses the same body shape and status mapping.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Verifier is satisfied by auth.Verifier.
type Verifier interface {
	Verify(ctx context.Context, header, requestID string) (auth.Identity, error)
}

// AccountEnsurer is satisfied by ledger.Store.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, subject, role string) (*models.Account, error)
}

// RoleResolver is satisfied by auth.Authorizer.
type RoleResolver interface {
	Role(subject string) string
}

// RequestID keeps a well-formed incoming X-Request-ID or generates one, sets
// it on the response and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// Authenticate verifies the bearer token and resolves the caller's account,
// creating it on first sight. On success the identity and account are stored
// in the request context.
func Authenticate(v Verifier, accounts AccountEnsurer, roles RoleResolver, onErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(r.Context(), r.Header.Get("Authorization"), RequestIDFromCtx(r.Context()))
			if err != nil {
				onErr(w, r, err)
				return
			}
			role := models.RoleUser
			if roles != nil {
				role = roles.Role(id.Subject)
			}
			acc, err := accounts.EnsureAccount(r.Context(), id.Subject, role)
			if err != nil {
				onErr(w, r, err)
				return
			}
			ctx := WithIdentity(r.Context(), id)
			ctx = WithAccount(ctx, acc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromCtx returns the request id or "".
func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestIDKey, id)
}

// IdentityFromCtx returns the verified identity set by Authenticate.
func IdentityFromCtx(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(auth.Identity)
	return id, ok
}

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, reason, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      msg,
		"reason":     reason,
		"request_id": RequestIDFromCtx(r.Context()),
	})
}
