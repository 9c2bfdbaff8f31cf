// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// defaultExpirySafetyMargin is subtracted from a cached token's lifetime. A
// token within the margin of its expiry is treated as already expired so it
// never reaches the downstream service moments before going stale.
const defaultExpirySafetyMargin = 60 * time.Second

// cacheKey identifies a cached downstream token by the user it was minted
// for and the scopes it carries. Scope order and duplicates do not matter.
// The subject is length-prefixed so no (subject, scopes) pair can ever
// produce the same key as a different pair; subjects are attacker-influenced
// identity provider values and must not be able to alias another entry.
type cacheKey string

func newCacheKey(subject string, scopes []string) cacheKey {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)
	return cacheKey(strconv.Itoa(len(subject)) + "|" + subject + "|" + strings.Join(sorted, " "))
}

// tokenCache is an in-memory, per-process cache of exchanged tokens.
// Entries are only ever replaced, never mutated.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*oauth2.Token
	margin  time.Duration
}

func newTokenCache(margin time.Duration) *tokenCache {
	if margin <= 0 {
		margin = defaultExpirySafetyMargin
	}
	return &tokenCache{
		entries: make(map[cacheKey]*oauth2.Token),
		margin:  margin,
	}
}

// get returns a cached token that is still comfortably inside its lifetime.
// Entries past the margin are deleted on lookup so the map does not retain
// dead tokens for subjects that keep making requests.
func (c *tokenCache) get(key cacheKey) (*oauth2.Token, bool) {
	c.mu.RLock()
	token, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !c.usable(token) {
		c.evict(key, token)
		return nil, false
	}
	return token, true
}

func (c *tokenCache) put(key cacheKey, token *oauth2.Token) {
	c.mu.Lock()
	c.entries[key] = token
	c.mu.Unlock()
}

// evict removes the entry for key unless a concurrent put already replaced
// the observed token with a fresh one.
func (c *tokenCache) evict(key cacheKey, observed *oauth2.Token) {
	c.mu.Lock()
	if c.entries[key] == observed {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// clear drops every cached token.
func (c *tokenCache) clear() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]*oauth2.Token)
	c.mu.Unlock()
}

// usable reports whether the token has more than the safety margin of
// lifetime left. Tokens without an expiry are never cached as usable.
func (c *tokenCache) usable(token *oauth2.Token) bool {
	if token == nil || token.AccessToken == "" {
		return false
	}
	if token.Expiry.IsZero() {
		return false
	}
	return time.Until(token.Expiry) > c.margin
}
