// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/auth/obo"
	"github.com/stacklok/tokengate/pkg/authz"
)

func newLocalPipeline(t *testing.T, tokenURL string) (*Pipeline, *bytes.Buffer) {
	t.Helper()

	exchanger, err := obo.NewExchanger(&obo.ExchangeConfig{
		TokenURL:     tokenURL,
		ClientID:     "gateway-client",
		ClientSecret: "gateway-secret",
		Scopes:       []string{"downstream/.default"},
	}, obo.WithInitialRetryDelay(time.Millisecond))
	require.NoError(t, err)

	auditLog := &bytes.Buffer{}
	auditor := audit.NewAuditor(auditLog)
	pipeline := NewPipeline(auth.NewLocalValidator("dev"), authz.NewGuard(auditor), exchanger, auditor)
	return pipeline, auditLog
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "downstream-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	pipeline, auditLog := newLocalPipeline(t, server.URL)
	source := audit.NetworkSource("192.0.2.1")

	delegation, err := pipeline.Run(context.Background(), source, "inbound-token", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev", delegation.Claims.Subject)
	assert.Equal(t, "Bearer downstream-token", delegation.AuthorizationHeader())

	// Both the validation and the exchange are audited.
	auditOutput := auditLog.String()
	assert.Contains(t, auditOutput, audit.EventTypeAuthentication)
	assert.Contains(t, auditOutput, audit.EventTypeTokenExchange)
	assert.NotContains(t, auditOutput, "inbound-token")
	assert.NotContains(t, auditOutput, "downstream-token")
}

func TestValidationAuditNamesNetworkSource(t *testing.T) {
	t.Parallel()

	pipeline, auditLog := newLocalPipeline(t, "http://127.0.0.1:1/token")

	ctx := audit.WithSource(context.Background(), audit.NetworkSource("192.0.2.7:41234"))
	_, err := pipeline.Validator().ValidateToken(ctx, "inbound-token")
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(auditLog.Bytes(), &entry))
	assert.Equal(t, audit.EventTypeAuthentication, entry["type"])

	source, ok := entry["source"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, audit.SourceTypeNetwork, source["type"])
	assert.Equal(t, "192.0.2.7:41234", source["value"])
}

func TestPipelineRun_CrossUserStopsBeforeExchange(t *testing.T) {
	t.Parallel()

	var exchangeCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		exchangeCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	pipeline, _ := newLocalPipeline(t, server.URL)

	_, err := pipeline.Run(context.Background(), audit.NetworkSource("192.0.2.1"),
		"inbound-token", "someone-else", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, exchangeCalled)
}

func TestMapExchangeError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	testCases := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "invalid assertion", err: obo.ErrAssertionInvalid, expected: ErrUnauthenticated},
		{name: "consent required", err: obo.ErrConsentRequired, expected: ErrForbidden},
		{name: "unauthorized client", err: obo.ErrUnauthorizedClient, expected: ErrForbidden},
		{name: "deadline exceeded", err: context.DeadlineExceeded, expected: ErrUpstreamTimeout},
		{name: "transient failure", err: obo.ErrUpstreamUnavailable, expected: ErrUpstreamUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, mapExchangeError(ctx, tc.err), tc.expected)
		})
	}
}
