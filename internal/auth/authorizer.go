package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/inaiurai/tokengate/internal/models"
)

// Authorizer owns the admin allowlist. The set is fixed at construction.
type Authorizer struct {
	admins map[string]struct{}
}

func NewAuthorizer(adminSubjects []string) *Authorizer {
	admins := make(map[string]struct{}, len(adminSubjects))
	for _, s := range adminSubjects {
		if s = strings.TrimSpace(s); s != "" {
			admins[s] = struct{}{}
		}
	}
	return &Authorizer{admins: admins}
}

func (a *Authorizer) IsAdmin(subject string) bool {
	if a == nil {
		return false
	}
	_, ok := a.admins[subject]
	return ok
}

// Role returns the account role a verified subject maps to.
func (a *Authorizer) Role(subject string) string {
	if a.IsAdmin(subject) {
		return models.RoleAdmin
	}
	return models.RoleUser
}

// ErrSecretNotConfigured is returned when no admin secret hash was supplied.
var ErrSecretNotConfigured = errors.New("admin secret not configured")

// SecretChecker compares the scheduler's shared secret against a bcrypt hash.
type SecretChecker struct {
	hash []byte
}

// NewSecretChecker accepts an empty hash, in which case every Check fails.
func NewSecretChecker(hash string) (*SecretChecker, error) {
	if hash == "" {
		return &SecretChecker{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	return &SecretChecker{hash: []byte(hash)}, nil
}

func (c *SecretChecker) Check(secret string) error {
	if c == nil || len(c.hash) == 0 {
		return ErrSecretNotConfigured
	}
	if secret == "" {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword(c.hash, []byte(secret))
}
