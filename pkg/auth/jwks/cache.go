// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks caches the identity provider's signing keys.
//
// The cache holds one immutable key-set snapshot at a time and replaces it
// atomically, so readers never observe a partially updated set. Refreshes
// are coalesced: any number of concurrent callers that need a fetch share
// one upstream HTTP call.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/tokengate/pkg/logger"
	"github.com/stacklok/tokengate/pkg/telemetry"
)

// Common errors
var (
	// ErrKeyNotFound is returned when the requested key id is absent from
	// a freshly fetched key set.
	ErrKeyNotFound = errors.New("signing key not found in JWKS")

	// ErrUpstreamUnavailable is returned when the JWKS endpoint cannot be
	// reached and no previously fetched key set exists.
	ErrUpstreamUnavailable = errors.New("JWKS endpoint unavailable")
)

const (
	// DefaultTTL is how long a fetched key set is served without refresh.
	DefaultTTL = 15 * time.Minute

	// DefaultFetchTimeout bounds a single upstream fetch.
	DefaultFetchTimeout = 10 * time.Second

	// defaultMinRefreshInterval limits how often an unknown key id may
	// force a refresh of an otherwise fresh set. Protects the identity
	// provider from a stampede of forged-kid tokens.
	defaultMinRefreshInterval = time.Minute

	// maxResponseBodySize is the maximum size for reading the JWKS
	// response body (1 MB).
	maxResponseBodySize = 1 << 20
)

// snapshot is one immutable fetched key set.
type snapshot struct {
	keys      jwk.Set
	fetchedAt time.Time
}

// Cache fetches and caches a JWKS document.
type Cache struct {
	url          string
	client       *http.Client
	ttl          time.Duration
	fetchTimeout time.Duration
	minRefresh   time.Duration

	mu          sync.RWMutex
	current     *snapshot
	lastRefresh time.Time

	group singleflight.Group
}

// Option configures the cache.
type Option func(*Cache)

// WithHTTPClient sets the HTTP client used for upstream fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.client = client
	}
}

// WithTTL sets the key set time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each upstream fetch.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// WithMinRefreshInterval sets the minimum time between refreshes forced by
// an unknown key id.
func WithMinRefreshInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.minRefresh = interval
	}
}

// NewCache creates a cache for the JWKS document at url.
func NewCache(url string, opts ...Option) (*Cache, error) {
	if url == "" {
		return nil, errors.New("JWKS URL is required")
	}

	c := &Cache{
		url:          url,
		client:       &http.Client{Timeout: DefaultFetchTimeout},
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		minRefresh:   defaultMinRefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetKey returns the signing key with the given key id.
//
// A fresh cached set is served without network calls. On TTL expiry, or
// when the key id is unknown (key rotation), the cache performs exactly one
// coalesced upstream fetch regardless of how many callers ask concurrently.
// If the fetch fails and a previously fetched set exists, the stale set is
// served instead of failing every validation.
func (c *Cache) GetKey(ctx context.Context, kid string) (jwk.Key, error) {
	snap := c.snapshot()

	if snap != nil && !c.expired(snap) {
		if key, ok := snap.keys.LookupKeyID(kid); ok {
			return key, nil
		}
		// Unknown kid on a fresh set: the provider may have rotated keys
		// since the last fetch. Refresh at most once per minRefresh.
		if !c.refreshAllowed() {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
	}

	refreshed, err := c.refresh(ctx, snap)
	if err != nil {
		if snap != nil {
			// Serve stale rather than failing all validations.
			logger.Warnf("JWKS refresh failed, serving stale key set: %v", err)
			if key, ok := snap.keys.LookupKeyID(kid); ok {
				return key, nil
			}
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if key, ok := refreshed.keys.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

// URL returns the JWKS endpoint URL the cache fetches from.
func (c *Cache) URL() string {
	return c.url
}

func (c *Cache) snapshot() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Cache) expired(s *snapshot) bool {
	return time.Since(s.fetchedAt) >= c.ttl
}

func (c *Cache) refreshAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastRefresh) >= c.minRefresh
}

// refresh performs a coalesced upstream fetch. Concurrent callers share a
// single HTTP request and receive the same resulting snapshot. observed is
// the snapshot the caller found insufficient; if another caller already
// replaced it, the replacement is returned without a second fetch.
func (c *Cache) refresh(ctx context.Context, observed *snapshot) (*snapshot, error) {
	result, err, _ := c.group.Do("jwks", func() (any, error) {
		if cur := c.snapshot(); cur != observed {
			return cur, nil
		}

		c.mu.Lock()
		c.lastRefresh = time.Now()
		c.mu.Unlock()

		snap, err := c.fetch(ctx)
		if err != nil {
			telemetry.JWKSFetchesTotal.WithLabelValues(telemetry.OutcomeError).Inc()
			return nil, err
		}
		telemetry.JWKSFetchesTotal.WithLabelValues(telemetry.OutcomeSuccess).Inc()

		c.mu.Lock()
		c.current = snap
		c.mu.Unlock()

		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*snapshot), nil
}

func (c *Cache) fetch(ctx context.Context) (*snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	keys, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	return &snapshot{keys: keys, fetchedAt: time.Now()}, nil
}
