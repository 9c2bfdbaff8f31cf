// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSubject   = "11111111-1111-1111-1111-111111111111"
	testAssertion = "inbound-user-token"
)

// tokenEndpoint is a fake OAuth token endpoint that counts exchanges and
// can be switched between success and failure responses.
type tokenEndpoint struct {
	t *testing.T

	mu        sync.Mutex
	calls     atomic.Int64
	status    int
	body      map[string]any
	lastForm  map[string]string
	expiresIn int
}

func newTokenEndpoint(t *testing.T) (*tokenEndpoint, *httptest.Server) {
	t.Helper()

	endpoint := &tokenEndpoint{t: t, status: http.StatusOK, expiresIn: 3600}
	server := httptest.NewServer(http.HandlerFunc(endpoint.handle))
	t.Cleanup(server.Close)
	return endpoint, server
}

func (e *tokenEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)

	if err := r.ParseForm(); err != nil {
		e.t.Errorf("failed to parse exchange form: %v", err)
	}
	e.mu.Lock()
	e.lastForm = map[string]string{}
	for k := range r.PostForm {
		e.lastForm[k] = r.PostForm.Get(k)
	}
	status := e.status
	body := e.body
	expiresIn := e.expiresIn
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if body == nil {
		body = map[string]any{
			"access_token": "downstream-token",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (e *tokenEndpoint) respond(status int, body map[string]any) {
	e.mu.Lock()
	e.status = status
	e.body = body
	e.mu.Unlock()
}

func (e *tokenEndpoint) form(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastForm[key]
}

func newTestExchanger(t *testing.T, serverURL string, opts ...ExchangerOption) *Exchanger {
	t.Helper()

	opts = append([]ExchangerOption{WithInitialRetryDelay(time.Millisecond)}, opts...)
	exchanger, err := NewExchanger(&ExchangeConfig{
		TokenURL:     serverURL,
		ClientID:     "gateway-client",
		ClientSecret: "gateway-secret",
		Scopes:       []string{"https://downstream.example.com/.default"},
	}, opts...)
	require.NoError(t, err)
	return exchanger
}

func TestExchangeOnBehalfOf(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	exchanger := newTestExchanger(t, server.URL)

	token, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
	require.NoError(t, err)
	assert.Equal(t, "downstream-token", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)

	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", endpoint.form("grant_type"))
	assert.Equal(t, "on_behalf_of", endpoint.form("requested_token_use"))
	assert.Equal(t, testAssertion, endpoint.form("assertion"))
	assert.Equal(t, "https://downstream.example.com/.default", endpoint.form("scope"))
}

func TestExchangeOnBehalfOf_CachesPerSubject(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	exchanger := newTestExchanger(t, server.URL)
	ctx := context.Background()

	first, err := exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)
	second, err := exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)

	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int64(1), endpoint.calls.Load(), "second call must be served from cache")

	// A different user never shares a cached token.
	_, err = exchanger.ExchangeOnBehalfOf(ctx, "22222222-2222-2222-2222-222222222222", testAssertion, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), endpoint.calls.Load())
}

func TestExchangeOnBehalfOf_ClearCacheForcesReExchange(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	exchanger := newTestExchanger(t, server.URL)
	ctx := context.Background()

	_, err := exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)
	_, err = exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), endpoint.calls.Load())

	exchanger.ClearCache()

	_, err = exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), endpoint.calls.Load(), "cleared cache must trigger a fresh exchange")
}

func TestExchangeOnBehalfOf_ScopeOrderDoesNotSplitCache(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	exchanger := newTestExchanger(t, server.URL)
	ctx := context.Background()

	_, err := exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, []string{"a", "b"})
	require.NoError(t, err)
	_, err = exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, []string{"b", "a"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), endpoint.calls.Load())
}

func TestExchangeOnBehalfOf_ReExchangesInsideSafetyMargin(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	// Expiry of 30s is inside the 60s safety margin, so the token is never
	// considered cacheable.
	endpoint.mu.Lock()
	endpoint.expiresIn = 30
	endpoint.mu.Unlock()

	exchanger := newTestExchanger(t, server.URL)
	ctx := context.Background()

	_, err := exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)
	_, err = exchanger.ExchangeOnBehalfOf(ctx, testSubject, testAssertion, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), endpoint.calls.Load(), "near-expiry tokens must be re-exchanged")
}

func TestExchangeOnBehalfOf_ConcurrentRequestsShareOneExchange(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	exchanger := newTestExchanger(t, server.URL)

	const concurrency = 10
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	tokens := make([]string, concurrency)

	for i := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
			errs[i] = err
			if token != nil {
				tokens[i] = token.AccessToken
			}
		}()
	}
	wg.Wait()

	for i := range concurrency {
		require.NoError(t, errs[i])
		assert.Equal(t, "downstream-token", tokens[i])
	}
	assert.Equal(t, int64(1), endpoint.calls.Load(), "concurrent exchanges for one user must coalesce")
}

func TestExchangeOnBehalfOf_TerminalErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		oauthCode string
		status    int
		errType   error
	}{
		{
			name:      "invalid grant",
			oauthCode: "invalid_grant",
			status:    http.StatusBadRequest,
			errType:   ErrAssertionInvalid,
		},
		{
			name:      "consent required",
			oauthCode: "consent_required",
			status:    http.StatusBadRequest,
			errType:   ErrConsentRequired,
		},
		{
			name:      "unauthorized client",
			oauthCode: "unauthorized_client",
			status:    http.StatusBadRequest,
			errType:   ErrUnauthorizedClient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			endpoint, server := newTokenEndpoint(t)
			endpoint.respond(tc.status, map[string]any{"error": tc.oauthCode})
			exchanger := newTestExchanger(t, server.URL)

			_, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.errType)
			assert.Equal(t, int64(1), endpoint.calls.Load(), "terminal failures must not be retried")
		})
	}
}

func TestExchangeOnBehalfOf_TransientErrorsAreRetriedThenFail(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	endpoint.respond(http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	exchanger := newTestExchanger(t, server.URL, WithMaxTries(3))

	_, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int64(3), endpoint.calls.Load(), "transient failures retry up to the bound")
}

func TestExchangeOnBehalfOf_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	endpoint.respond(http.StatusInternalServerError, map[string]any{"error": "server_error"})
	exchanger := newTestExchanger(t, server.URL, WithMaxTries(3))

	go func() {
		time.Sleep(2 * time.Millisecond)
		endpoint.respond(http.StatusOK, nil)
	}()

	token, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
	require.NoError(t, err)
	assert.Equal(t, "downstream-token", token.AccessToken)
}

func TestExchangeOnBehalfOf_ErrorsNeverContainTokenMaterial(t *testing.T) {
	t.Parallel()

	endpoint, server := newTokenEndpoint(t)
	endpoint.respond(http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "AADSTS50013: assertion is invalid",
	})
	exchanger := newTestExchanger(t, server.URL)

	_, err := exchanger.ExchangeOnBehalfOf(context.Background(), testSubject, testAssertion, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAssertion)
	assert.NotContains(t, err.Error(), "gateway-secret")
}

func TestNewExchanger_ValidatesConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		config *ExchangeConfig
	}{
		{name: "nil config", config: nil},
		{name: "missing token URL", config: &ExchangeConfig{ClientID: "c", ClientSecret: "s"}},
		{name: "missing client id", config: &ExchangeConfig{TokenURL: "https://x", ClientSecret: "s"}},
		{name: "missing client secret", config: &ExchangeConfig{TokenURL: "https://x", ClientID: "c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exchanger, err := NewExchanger(tc.config)
			assert.Error(t, err)
			assert.Nil(t, exchanger)
		})
	}
}

func TestRedactedStringers(t *testing.T) {
	t.Parallel()

	req := exchangeRequest{Assertion: "secret-assertion", Scopes: []string{"a"}}
	assert.NotContains(t, req.String(), "secret-assertion")

	resp := response{AccessToken: "secret-access", RefreshToken: "secret-refresh"}
	assert.NotContains(t, resp.String(), "secret-access")
	assert.NotContains(t, resp.String(), "secret-refresh")

	auth := clientAuthentication{ClientID: "c", ClientSecret: "secret-client"}
	assert.NotContains(t, auth.String(), "secret-client")
}
