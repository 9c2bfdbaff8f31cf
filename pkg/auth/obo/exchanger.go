// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/tokengate/pkg/logger"
	"github.com/stacklok/tokengate/pkg/telemetry"
)

const (
	// defaultMaxTries bounds the attempts per exchange, including the first.
	defaultMaxTries = 3

	// defaultInitialRetryDelay seeds the exponential backoff between attempts.
	defaultInitialRetryDelay = 250 * time.Millisecond
)

// Exchanger trades validated inbound tokens for downstream on-behalf-of
// tokens. Exchanged tokens are cached per user and scope set, and concurrent
// requests for the same user share a single upstream exchange.
type Exchanger struct {
	config *ExchangeConfig

	cache *tokenCache
	group singleflight.Group

	maxTries          uint
	initialRetryDelay time.Duration
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithMaxTries sets the total number of attempts per exchange, including
// the first.
func WithMaxTries(n uint) ExchangerOption {
	return func(e *Exchanger) {
		if n > 0 {
			e.maxTries = n
		}
	}
}

// WithInitialRetryDelay sets the initial delay of the retry backoff.
func WithInitialRetryDelay(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.initialRetryDelay = d
		}
	}
}

// WithSafetyMargin sets how much lifetime a cached token must have left to
// be served from the cache.
func WithSafetyMargin(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.cache = newTokenCache(d)
		}
	}
}

// NewExchanger creates an Exchanger. The configuration is validated up
// front so credential problems surface at startup rather than on the first
// request.
func NewExchanger(config *ExchangeConfig, opts ...ExchangerOption) (*Exchanger, error) {
	if config == nil {
		return nil, fmt.Errorf("exchange config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exchange config: %w", err)
	}

	e := &Exchanger{
		config:            config,
		cache:             newTokenCache(0),
		maxTries:          defaultMaxTries,
		initialRetryDelay: defaultInitialRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExchangeOnBehalfOf returns a downstream token minted for the user the
// assertion belongs to. A cached token is returned when it has more than
// the safety margin of lifetime left; otherwise exactly one upstream
// exchange runs per user and scope set, no matter how many requests arrive
// concurrently. The returned token must not be logged by callers.
func (e *Exchanger) ExchangeOnBehalfOf(
	ctx context.Context,
	subject string,
	assertion string,
	scopes []string,
) (*oauth2.Token, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if assertion == "" {
		return nil, fmt.Errorf("assertion is required")
	}
	if len(scopes) == 0 {
		scopes = e.config.Scopes
	}

	key := newCacheKey(subject, scopes)
	if token, ok := e.cache.get(key); ok {
		telemetry.ExchangeCacheTotal.WithLabelValues(telemetry.CacheHit).Inc()
		return token, nil
	}
	telemetry.ExchangeCacheTotal.WithLabelValues(telemetry.CacheMiss).Inc()

	result, err, _ := e.group.Do(string(key), func() (any, error) {
		// A concurrent caller may have populated the cache while this
		// call was queued behind the flight.
		if token, ok := e.cache.get(key); ok {
			return token, nil
		}

		token, err := e.exchangeWithRetry(ctx, assertion, scopes)
		if err != nil {
			return nil, err
		}

		if e.cache.usable(token) {
			e.cache.put(key, token)
		}
		return token, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*oauth2.Token), nil
}

// ClearCache drops every cached downstream token, forcing the next request
// per user and scope set to exchange again. Intended for operator-driven
// invalidation, for example after a detected upstream revocation.
func (e *Exchanger) ClearCache() {
	e.cache.clear()
}

// exchangeWithRetry performs the exchange with bounded exponential backoff.
// Terminal failures (rejected assertion, missing consent, unauthorized
// client) abort immediately; only transient provider failures are retried.
func (e *Exchanger) exchangeWithRetry(
	ctx context.Context,
	assertion string,
	scopes []string,
) (*oauth2.Token, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.initialRetryDelay
	expBackoff.MaxInterval = 60 * e.initialRetryDelay
	expBackoff.Reset()

	operation := func() (*oauth2.Token, error) {
		token, err := exchangeToken(ctx, e.config, &exchangeRequest{
			Assertion: assertion,
			Scopes:    scopes,
		})
		if err != nil {
			if isTerminal(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return token, nil
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(e.maxTries),
		backoff.WithNotify(func(_ error, duration time.Duration) {
			logger.Debugf("Retrying on-behalf-of exchange after %v", duration)
		}),
	)
	if err != nil {
		if isTerminal(err) {
			telemetry.ExchangesTotal.WithLabelValues(telemetry.OutcomeFailure).Inc()
		} else {
			telemetry.ExchangesTotal.WithLabelValues(telemetry.OutcomeError).Inc()
		}
		return nil, err
	}
	telemetry.ExchangesTotal.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	return token, nil
}

// isTerminal reports whether an exchange failure cannot be fixed by
// retrying.
func isTerminal(err error) bool {
	return errors.Is(err, ErrAssertionInvalid) ||
		errors.Is(err, ErrConsentRequired) ||
		errors.Is(err, ErrUnauthorizedClient)
}
