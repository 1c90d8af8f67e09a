package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inaiurai/tokengate/internal/keyring"
)

// Identity is a caller whose bearer token passed verification.
type Identity struct {
	Subject   string
	Issuer    string
	KeyID     string
	ExpiresAt time.Time
	RequestID string
}

// KeyResolver looks up verification keys by id. *keyring.KeyRing satisfies it.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (keyring.Key, error)
}

var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

var (
	errUnknownKey  = errors.New("unknown signing key")
	errMissingKid  = errors.New("token header has no kid")
	errAlgMismatch = errors.New("token alg does not match key")
)

type Config struct {
	Issuer string
	Keys   KeyResolver
	Leeway time.Duration
	Now    func() time.Time
}

// Verifier checks bearer tokens against the key ring. Apart from key
// resolution it does no I/O.
type Verifier struct {
	issuer string
	keys   KeyResolver
	now    func() time.Time
	leeway time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("expected issuer is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{issuer: cfg.Issuer, keys: cfg.Keys, now: cfg.Now, leeway: cfg.Leeway}, nil
}

// Verify validates the Authorization header value and returns the caller.
// Token problems come back as *Error. Key ring outages and cancellation are
// returned as plain errors so callers can tell them apart from bad tokens.
func (v *Verifier) Verify(ctx context.Context, header, requestID string) (Identity, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return Identity{}, &Error{Reason: ReasonNoCredential}
	}

	var c jwt.RegisteredClaims
	var kid string
	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		return v.keyFor(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		return Identity{}, classify(err)
	}

	if c.Issuer != v.issuer {
		return Identity{}, &Error{
			Reason: ReasonIssuerMismatch,
			Detail: fmt.Sprintf("got %s, want %s", maskHost(c.Issuer), maskHost(v.issuer)),
		}
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Identity{}, &Error{Reason: ReasonBadSignature, Detail: "token has no subject"}
	}

	id := Identity{Subject: c.Subject, Issuer: c.Issuer, KeyID: kid, RequestID: requestID}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

func (v *Verifier) keyFor(ctx context.Context, kid, alg string) (any, error) {
	if kid == "" {
		return nil, errMissingKid
	}
	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, errUnknownKey
		}
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, errAlgMismatch
	}
	return key.Public, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, keyring.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("resolve signing key: %w", err)
	case errors.Is(err, errUnknownKey):
		return &Error{Reason: ReasonUnknownKey, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &Error{Reason: ReasonExpired, Err: err}
	default:
		// Includes a missing kid and a key of the wrong type.
		return &Error{Reason: ReasonBadSignature, Err: err}
	}
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
