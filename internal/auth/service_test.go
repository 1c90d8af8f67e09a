package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/inaiurai/tokengate/internal/keyring"
	"github.com/inaiurai/tokengate/internal/models"
)

const testIssuer = "https://accounts.example.com/realms/main"

type mockResolver struct {
	keys  map[string]keyring.Key
	err   error
	calls int
}

func (m *mockResolver) Resolve(_ context.Context, kid string) (keyring.Key, error) {
	m.calls++
	if m.err != nil {
		return keyring.Key{}, m.err
	}
	k, ok := m.keys[kid]
	if !ok {
		return keyring.Key{}, keyring.ErrKeyNotFound
	}
	return k, nil
}

type fixture struct {
	rsaKey   *rsa.PrivateKey
	ecKey    *ecdsa.PrivateKey
	resolver *mockResolver
	verifier *Verifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{rsaKey: rk, ecKey: ek, now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	f.resolver = &mockResolver{keys: map[string]keyring.Key{
		"rsa-1": {ID: "rsa-1", Algorithm: "RS256", Public: &rk.PublicKey},
		"rsa-2": {ID: "rsa-2", Public: &rk.PublicKey},
		"ec-1":  {ID: "ec-1", Algorithm: "ES256", Public: &ek.PublicKey},
	}}
	f.verifier, err = NewVerifier(Config{Issuer: testIssuer, Keys: f.resolver, Now: func() time.Time { return f.now }})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) claims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    testIssuer,
		IssuedAt:  jwt.NewNumericDate(f.now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(f.now.Add(time.Hour)),
	}
}

func sign(t *testing.T, method jwt.SigningMethod, kid string, c jwt.Claims, key any) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, c)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerify_AcceptsRSAAndEC(t *testing.T) {
	f := newFixture(t)
	rs256 := sign(t, jwt.SigningMethodRS256, "rsa-1", f.claims(), f.rsaKey)
	cases := []struct {
		name   string
		header string
		kid    string
	}{
		{"RS256", "Bearer " + rs256, "rsa-1"},
		{"lowercase scheme", "bearer " + rs256, "rsa-1"},
		{"RS384 on key without alg", "Bearer " + sign(t, jwt.SigningMethodRS384, "rsa-2", f.claims(), f.rsaKey), "rsa-2"},
		{"ES256", "Bearer " + sign(t, jwt.SigningMethodES256, "ec-1", f.claims(), f.ecKey), "ec-1"},
	}
	for _, tc := range cases {
		id, err := f.verifier.Verify(context.Background(), tc.header, "req-1")
		if err != nil {
			t.Fatalf("%s: Verify: %v", tc.name, err)
		}
		if id.Subject != "user-123" || id.RequestID != "req-1" || id.KeyID != tc.kid {
			t.Errorf("%s: got identity %+v", tc.name, id)
		}
		if !id.ExpiresAt.Equal(f.now.Add(time.Hour)) {
			t.Errorf("%s: ExpiresAt = %v", tc.name, id.ExpiresAt)
		}
	}
}

func TestVerify_AcceptsP521(t *testing.T) {
	f := newFixture(t)
	k, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	f.resolver.keys["ec-521"] = keyring.Key{ID: "ec-521", Algorithm: "ES512", Public: &k.PublicKey}
	tok := sign(t, jwt.SigningMethodES512, "ec-521", f.claims(), k)
	if _, err := f.verifier.Verify(context.Background(), "Bearer "+tok, "req-1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_Rejections(t *testing.T) {
	f := newFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	expired := f.claims()
	expired.ExpiresAt = jwt.NewNumericDate(f.now.Add(-time.Second))
	noExp := f.claims()
	noExp.ExpiresAt = nil
	wrongIss := f.claims()
	wrongIss.Issuer = "https://evil.example.org"
	caseIss := f.claims()
	caseIss.Issuer = strings.ToUpper(testIssuer)
	noSub := f.claims()
	noSub.Subject = ""

	cases := []struct {
		name   string
		header string
		want   Reason
	}{
		{"empty header", "", ReasonNoCredential},
		{"basic scheme", "Basic dXNlcjpwYXNz", ReasonNoCredential},
		{"bearer without token", "Bearer ", ReasonNoCredential},
		{"garbage", "Bearer not.a.jwt", ReasonBadSignature},
		{"two segments", "Bearer abc.def", ReasonBadSignature},
		{"unknown kid", "Bearer " + sign(t, jwt.SigningMethodRS256, "rotated-away", f.claims(), f.rsaKey), ReasonUnknownKey},
		{"missing kid", "Bearer " + sign(t, jwt.SigningMethodRS256, "", f.claims(), f.rsaKey), ReasonBadSignature},
		{"wrong signer", "Bearer " + sign(t, jwt.SigningMethodRS256, "rsa-1", f.claims(), other), ReasonBadSignature},
		{"hmac", "Bearer " + sign(t, jwt.SigningMethodHS256, "rsa-1", f.claims(), []byte("secret")), ReasonBadSignature},
		{"alg differs from key", "Bearer " + sign(t, jwt.SigningMethodRS512, "rsa-1", f.claims(), f.rsaKey), ReasonBadSignature},
		{"ec token on rsa key", "Bearer " + sign(t, jwt.SigningMethodES256, "rsa-2", f.claims(), f.ecKey), ReasonBadSignature},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodRS256, "rsa-1", expired, f.rsaKey), ReasonExpired},
		{"no exp", "Bearer " + sign(t, jwt.SigningMethodRS256, "rsa-1", noExp, f.rsaKey), ReasonExpired},
		{"issuer mismatch", "Bearer " + sign(t, jwt.SigningMethodES256, "ec-1", wrongIss, f.ecKey), ReasonIssuerMismatch},
		{"issuer case differs", "Bearer " + sign(t, jwt.SigningMethodES256, "ec-1", caseIss, f.ecKey), ReasonIssuerMismatch},
		{"no subject", "Bearer " + sign(t, jwt.SigningMethodRS256, "rsa-1", noSub, f.rsaKey), ReasonBadSignature},
	}
	for _, tc := range cases {
		_, err := f.verifier.Verify(context.Background(), tc.header, "req")
		reason, ok := ReasonOf(err)
		if !ok {
			t.Errorf("%s: expected *Error, got %v", tc.name, err)
			continue
		}
		if reason != tc.want {
			t.Errorf("%s: reason = %s, want %s (%v)", tc.name, reason, tc.want, err)
		}
	}
}

func TestVerify_IssuerMismatchMasksHosts(t *testing.T) {
	f := newFixture(t)
	c := f.claims()
	c.Issuer = "https://attacker.example.org/path"
	token := sign(t, jwt.SigningMethodRS256, "rsa-1", c, f.rsaKey)

	_, err := f.verifier.Verify(context.Background(), "Bearer "+token, "req")
	if err == nil {
		t.Fatal("expected issuer mismatch")
	}
	msg := err.Error()
	for _, leak := range []string{"attacker.example.org", "accounts.example.com", token} {
		if strings.Contains(msg, leak) {
			t.Errorf("error %q leaks %q", msg, leak)
		}
	}
	if !strings.Contains(msg, "at…rg") || !strings.Contains(msg, "ac…om") {
		t.Errorf("error %q lacks masked hosts", msg)
	}
}

func TestVerify_KeyRingUnavailableIsNotAnAuthError(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = keyring.ErrUnavailable
	token := sign(t, jwt.SigningMethodRS256, "rsa-1", f.claims(), f.rsaKey)

	_, err := f.verifier.Verify(context.Background(), "Bearer "+token, "req")
	if !errors.Is(err, keyring.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok := ReasonOf(err); ok {
		t.Errorf("outage reported as credential rejection: %v", err)
	}
}

func TestVerify_NoKeyLookupWithoutCredential(t *testing.T) {
	f := newFixture(t)
	_, _ = f.verifier.Verify(context.Background(), "", "req")
	token := sign(t, jwt.SigningMethodHS256, "rsa-1", f.claims(), []byte("k"))
	_, _ = f.verifier.Verify(context.Background(), "Bearer "+token, "req")
	if f.resolver.calls != 0 {
		t.Errorf("resolver called %d times", f.resolver.calls)
	}
}

func TestNewVerifier_RequiresIssuerAndKeys(t *testing.T) {
	if _, err := NewVerifier(Config{Keys: &mockResolver{}}); err == nil {
		t.Error("expected error without issuer")
	}
	if _, err := NewVerifier(Config{Issuer: testIssuer}); err == nil {
		t.Error("expected error without resolver")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"BEARER abc":    "abc",
		"  bearer abc ": "abc",
		"Bearer":        "",
		"Token abc":     "",
		"Bearer a b":    "",
	}
	for in, want := range cases {
		got, ok := BearerToken(in)
		if got != want || ok != (want != "") {
			t.Errorf("BearerToken(%q) = %q, %v", in, got, ok)
		}
	}
}

func TestAuthorizer(t *testing.T) {
	a := NewAuthorizer([]string{" admin-1 ", "", "admin-2"})
	if !a.IsAdmin("admin-1") || !a.IsAdmin("admin-2") {
		t.Error("configured admins not recognised")
	}
	if a.IsAdmin("user-1") || a.IsAdmin("") {
		t.Error("non-admin recognised as admin")
	}
	if a.Role("admin-2") != models.RoleAdmin || a.Role("user-1") != models.RoleUser {
		t.Error("unexpected roles")
	}
	var nilAuth *Authorizer
	if nilAuth.IsAdmin("admin-1") {
		t.Error("nil authorizer grants admin")
	}
}

func TestSecretChecker(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewSecretChecker(string(hash))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Check("s3cret"); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := c.Check("wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := c.Check(""); err == nil {
		t.Error("empty secret accepted")
	}

	empty, err := NewSecretChecker("")
	if err != nil {
		t.Fatal(err)
	}
	if err := empty.Check("anything"); !errors.Is(err, ErrSecretNotConfigured) {
		t.Errorf("expected ErrSecretNotConfigured, got %v", err)
	}
	if _, err := NewSecretChecker("plaintext"); err == nil {
		t.Error("expected error for non-bcrypt hash")
	}
}

func TestMaskHost(t *testing.T) {
	cases := map[string]string{
		"https://accounts.example.com/x": "ac…om",
		"issuer-without-scheme":          "is…me",
		"abc":                            "…",
		"ünïcødé.example":                "ün…le",
		"éèêë":                           "…",
		"":                               "…",
	}
	for in, want := range cases {
		if got := maskHost(in); got != want {
			t.Errorf("maskHost(%q) = %q, want %q", in, got, want)
		}
	}
}
