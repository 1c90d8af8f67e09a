package middleware

import (
	"errors"
	"net/http"

	"github.com/inaiurai/tokengate/internal/auth"
)

// HeaderAdminSecret carries the scheduler/admin shared secret.
const HeaderAdminSecret = "X-Admin-Secret"

// SecretChecker is satisfied by auth.SecretChecker.
type SecretChecker interface {
	Check(secret string) error
}

// AdminChecker is satisfied by auth.Authorizer.
type AdminChecker interface {
	IsAdmin(subject string) bool
}

// AdminSecret admits requests whose X-Admin-Secret matches the configured
// hash. It never looks at the Authorization header.
func AdminSecret(checker SecretChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := checker.Check(r.Header.Get(HeaderAdminSecret))
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, auth.ErrSecretNotConfigured):
				writeJSONError(w, r, http.StatusForbidden, "AdminDisabled", "admin secret not configured")
			default:
				writeJSONError(w, r, http.StatusUnauthorized, "InvalidAdminSecret", "invalid admin secret")
			}
		})
	}
}

// RequireAdmin must run after Authenticate. It admits only subjects on the
// admin allowlist.
func RequireAdmin(admins AdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromCtx(r.Context())
			if !ok || !admins.IsAdmin(id.Subject) {
				writeJSONError(w, r, http.StatusForbidden, "Forbidden", "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps the request body at n bytes.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
