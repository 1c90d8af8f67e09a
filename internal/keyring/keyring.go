// Package keyring caches the identity provider's signing keys.
//
// Keys are served from memory until the TTL passes. An expired cache or a
// lookup for a kid the cache does not hold triggers a refresh, at most once
// per MinRefreshInterval. Concurrent refreshes share one HTTP fetch.
//
// When a refresh fails the last good key set keeps being served until
// HardExpiry after it was fetched; after that lookups fail with
// ErrUnavailable.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound means the cached set does not contain the kid.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrUnavailable means no usable key set could be obtained.
	ErrUnavailable = errors.New("key set unavailable")
)

const (
	DefaultTTL                = time.Hour
	DefaultHardExpiry         = 24 * time.Hour
	DefaultMinRefreshInterval = 30 * time.Second
	DefaultFetchTimeout       = 5 * time.Second

	maxDocumentBytes = 1 << 20
)

// Config configures a KeyRing. Zero durations take the defaults.
type Config struct {
	URL                string
	TTL                time.Duration
	HardExpiry         time.Duration
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
	Now                func() time.Time
	// OnRefresh, if set, is called after every fetch with "ok" or "error".
	OnRefresh func(result string)
}

// KeyRing is safe for concurrent use.
type KeyRing struct {
	cfg   Config
	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]Key
	fetchedAt   time.Time
	attemptedAt time.Time
}

func New(cfg Config) *KeyRing {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HardExpiry < cfg.TTL {
		cfg.HardExpiry = DefaultHardExpiry
		if cfg.HardExpiry < cfg.TTL {
			cfg.HardExpiry = cfg.TTL
		}
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &KeyRing{cfg: cfg, keys: map[string]Key{}}
}

// Resolve returns the key with the given id.
func (k *KeyRing) Resolve(ctx context.Context, kid string) (Key, error) {
	now := k.cfg.Now()

	k.mu.RLock()
	key, ok := k.keys[kid]
	fetchedAt, attemptedAt := k.fetchedAt, k.attemptedAt
	k.mu.RUnlock()

	fresh := !fetchedAt.IsZero() && now.Sub(fetchedAt) < k.cfg.TTL
	usable := !fetchedAt.IsZero() && now.Sub(fetchedAt) < k.cfg.HardExpiry
	if ok && fresh {
		return key, nil
	}
	// A fetch ran recently. While the cache is still usable, answer from it
	// and leave the endpoint alone.
	if usable && now.Sub(attemptedAt) < k.cfg.MinRefreshInterval {
		if ok {
			return key, nil
		}
		return Key{}, ErrKeyNotFound
	}

	keys, err := k.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Key{}, ctx.Err()
		}
		if usable {
			if ok {
				k.cfg.Logger.Warn("serving stale signing key", "kid", kid, "age", now.Sub(fetchedAt).String(), "error", err)
				return key, nil
			}
			return Key{}, ErrKeyNotFound
		}
		return Key{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	key, ok = keys[kid]
	if !ok {
		return Key{}, ErrKeyNotFound
	}
	return key, nil
}

// Refresh fetches the discovery document and replaces the cache. Callers that
// arrive while a fetch is in flight wait for that fetch instead of starting
// another. The fetch is not cancelled when an individual caller gives up.
func (k *KeyRing) Refresh(ctx context.Context) (map[string]Key, error) {
	ch := k.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.FetchTimeout)
		defer cancel()
		return k.fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]Key), nil
	}
}

// Keys returns a snapshot of the cached keys.
func (k *KeyRing) Keys() map[string]Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]Key, len(k.keys))
	for id, key := range k.keys {
		out[id] = key
	}
	return out
}

func (k *KeyRing) fetch(ctx context.Context) (map[string]Key, error) {
	k.mu.Lock()
	k.attemptedAt = k.cfg.Now()
	k.mu.Unlock()

	keys, err := k.download(ctx)
	if k.cfg.OnRefresh != nil {
		if err != nil {
			k.cfg.OnRefresh("error")
		} else {
			k.cfg.OnRefresh("ok")
		}
	}
	if err != nil {
		k.cfg.Logger.Error("signing key refresh failed", "error", err)
		return nil, err
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.cfg.Now()
	k.mu.Unlock()
	k.cfg.Logger.Info("signing keys refreshed", "count", len(keys))
	return keys, nil
}

func (k *KeyRing) download(ctx context.Context) (map[string]Key, error) {
	if k.cfg.URL == "" {
		return nil, errors.New("key discovery url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := k.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key set: status %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	keys := make(map[string]Key, len(doc.Keys))
	for _, j := range doc.Keys {
		key, err := ParseJWK(j)
		if err != nil {
			if !errors.Is(err, errSkipKey) {
				k.cfg.Logger.Warn("ignoring malformed signing key", "kid", j.Kid, "error", err)
			}
			continue
		}
		keys[key.ID] = key
	}
	if len(keys) == 0 {
		return nil, errors.New("key set has no usable signing keys")
	}
	return keys, nil
}
