package keyring

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func rsaJWK(t *testing.T, kid string) JWK {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return JWK{
		Kid: kid, Kty: "RSA", Alg: "RS256", Use: "sig",
		N: base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
		E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
	}
}

func ecJWK(t *testing.T, kid string) JWK {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return JWK{
		Kid: kid, Kty: "EC", Crv: "P-256",
		X: base64.RawURLEncoding.EncodeToString(k.X.FillBytes(make([]byte, 32))),
		Y: base64.RawURLEncoding.EncodeToString(k.Y.FillBytes(make([]byte, 32))),
	}
}

// jwksServer serves whatever document is currently set and counts hits.
type jwksServer struct {
	*httptest.Server
	mu    sync.Mutex
	doc   Document
	fail  bool
	delay time.Duration
	hits  atomic.Int32
}

func newJWKSServer(t *testing.T, keys ...JWK) *jwksServer {
	s := &jwksServer{doc: Document{Keys: keys}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		doc, fail, delay := s.doc, s.fail, s.delay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) set(fail bool, keys ...JWK) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
	if keys != nil {
		s.doc = Document{Keys: keys}
	}
}

func newRing(srv *jwksServer, clock *fakeClock) *KeyRing {
	return New(Config{URL: srv.URL, TTL: time.Hour, HardExpiry: 24 * time.Hour, MinRefreshInterval: 30 * time.Second, Now: clock.Now})
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "rsa-1"), ecJWK(t, "ec-1"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ring := newRing(srv, clock)
	ctx := context.Background()

	for _, kid := range []string{"rsa-1", "ec-1", "rsa-1"} {
		key, err := ring.Resolve(ctx, kid)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", kid, err)
		}
		if key.ID != kid {
			t.Errorf("got key %q, want %q", key.ID, kid)
		}
	}
	if key, _ := ring.Resolve(ctx, "ec-1"); key.Algorithm != "ES256" {
		t.Errorf("EC default alg: got %q, want ES256", key.Algorithm)
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("fetches: got %d, want 1", n)
	}

	clock.Advance(61 * time.Minute)
	if _, err := ring.Resolve(ctx, "rsa-1"); err != nil {
		t.Fatalf("Resolve after TTL: %v", err)
	}
	if n := srv.hits.Load(); n != 2 {
		t.Errorf("fetches after TTL: got %d, want 2", n)
	}
}

func TestResolve_UnknownKidRefreshesOncePerInterval(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "old"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ring := newRing(srv, clock)
	ctx := context.Background()

	if _, err := ring.Resolve(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	srv.set(false, rsaJWK(t, "old"), rsaJWK(t, "new"))

	if _, err := ring.Resolve(ctx, "new"); err != nil {
		t.Fatalf("rotated key not picked up: %v", err)
	}
	if _, err := ring.Resolve(ctx, "bogus"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	hits := srv.hits.Load()
	for i := 0; i < 5; i++ {
		_, _ = ring.Resolve(ctx, "bogus")
	}
	if srv.hits.Load() != hits {
		t.Errorf("unknown kid refetched inside the minimum interval")
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "k"))
	srv.delay = 50 * time.Millisecond
	ring := newRing(srv, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ring.Resolve(context.Background(), "k"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("fetches: got %d, want 1", n)
	}
}

func TestRefresh_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "k"))
	srv.delay = 100 * time.Millisecond
	ring := newRing(srv, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := ring.Resolve(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := ring.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("fetches: got %d, want 1", n)
	}
}

func TestResolve_StaleThenFailClosed(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "k"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ring := newRing(srv, clock)
	ctx := context.Background()

	if _, err := ring.Resolve(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	srv.set(true)

	clock.Advance(2 * time.Hour)
	if _, err := ring.Resolve(ctx, "k"); err != nil {
		t.Fatalf("expected stale key within hard expiry, got %v", err)
	}

	clock.Advance(23 * time.Hour)
	if _, err := ring.Resolve(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable past hard expiry, got %v", err)
	}
}

func TestResolve_StaleOutageRefetchesOncePerInterval(t *testing.T) {
	srv := newJWKSServer(t, rsaJWK(t, "k"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ring := newRing(srv, clock)
	ctx := context.Background()

	if _, err := ring.Resolve(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	srv.set(true)
	clock.Advance(2 * time.Hour)

	for i := 0; i < 10; i++ {
		if _, err := ring.Resolve(ctx, "k"); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if _, err := ring.Resolve(ctx, "other"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if n := srv.hits.Load(); n != 2 {
		t.Errorf("fetches: got %d, want 2", n)
	}

	clock.Advance(31 * time.Second)
	if _, err := ring.Resolve(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if n := srv.hits.Load(); n != 3 {
		t.Errorf("fetches after interval: got %d, want 3", n)
	}

	srv.set(false)
	clock.Advance(31 * time.Second)
	if _, err := ring.Resolve(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		_, _ = ring.Resolve(ctx, "k")
	}
	if n := srv.hits.Load(); n != 4 {
		t.Errorf("fetches after recovery: got %d, want 4", n)
	}
}

func TestResolve_NoKeysFailsClosed(t *testing.T) {
	srv := newJWKSServer(t, JWK{Kid: "enc", Kty: "RSA", Use: "enc"})
	ring := newRing(srv, &fakeClock{now: time.Unix(1_700_000_000, 0)})
	if _, err := ring.Resolve(context.Background(), "enc"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestParseJWK_Rejects(t *testing.T) {
	cases := map[string]JWK{
		"missing kid":    {Kty: "RSA"},
		"octet key":      {Kid: "h", Kty: "oct"},
		"unknown curve":  {Kid: "c", Kty: "EC", Crv: "secp256k1"},
		"short modulus":  {Kid: "s", Kty: "RSA", N: "AQAB", E: "AQAB"},
		"off-curve":      {Kid: "o", Kty: "EC", Crv: "P-256", X: "AQ", Y: "AQ"},
		"encryption use": {Kid: "e", Kty: "RSA", Use: "enc"},
	}
	for name, j := range cases {
		if _, err := ParseJWK(j); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
