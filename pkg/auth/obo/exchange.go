// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package obo performs on-behalf-of token exchange: it trades a validated
// inbound bearer token for a downstream access token that still carries the
// original user's identity.
package obo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/tokengate/pkg/logger"
)

const (
	// grantTypeJWTBearer is the on-behalf-of grant type.
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// requestedTokenUseOnBehalfOf marks the request as a delegation exchange.
	requestedTokenUseOnBehalfOf = "on_behalf_of"

	// defaultHTTPTimeout is the timeout for HTTP requests
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// Terminal exchange failures. Retrying these cannot succeed: the assertion
// itself, the consent state, or the client registration is at fault.
var (
	// ErrAssertionInvalid indicates the provider rejected the user assertion
	// (expired, revoked, wrong audience).
	ErrAssertionInvalid = errors.New("delegation assertion rejected")

	// ErrConsentRequired indicates the user or an administrator has not
	// consented to the downstream scopes.
	ErrConsentRequired = errors.New("consent required for requested scopes")

	// ErrUnauthorizedClient indicates the gateway's client registration is
	// not permitted to perform the exchange.
	ErrUnauthorizedClient = errors.New("client not authorized for delegation")

	// ErrUpstreamUnavailable indicates a transient identity provider
	// failure. These are the only failures worth retrying.
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")
)

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Error, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// classify maps an OAuth error code onto the package's sentinel errors.
// Unknown 4xx codes are treated as assertion failures rather than retried;
// a malformed request will not get better on the second attempt.
func (e *oAuthError) classify() error {
	switch e.Error {
	case "invalid_grant":
		return fmt.Errorf("%w: %s", ErrAssertionInvalid, e.String())
	case "interaction_required", "consent_required", "invalid_scope":
		return fmt.Errorf("%w: %s", ErrConsentRequired, e.String())
	case "unauthorized_client", "invalid_client":
		return fmt.Errorf("%w: %s", ErrUnauthorizedClient, e.String())
	case "temporarily_unavailable", "server_error":
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, e.String())
	}
	if e.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, e.String())
	}
	return fmt.Errorf("%w: %s", ErrAssertionInvalid, e.String())
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// defaultHTTPClient is the default HTTP client used for exchange requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// exchangeRequest contains the fields of a single on-behalf-of exchange.
type exchangeRequest struct {
	// Assertion is the inbound user token being delegated.
	Assertion string

	// Scopes are the scopes requested for the downstream token.
	Scopes []string
}

// String implements fmt.Stringer for exchangeRequest, redacting the assertion.
func (r exchangeRequest) String() string {
	assertion := redactedPlaceholder
	if r.Assertion == "" {
		assertion = emptyPlaceholder
	}
	return fmt.Sprintf("exchangeRequest{GrantType: %s, Scopes: %v, Assertion: %s}",
		grantTypeJWTBearer, r.Scopes, assertion)
}

// response is used to decode the token endpoint response.
type response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

// String implements fmt.Stringer for response, redacting sensitive tokens.
func (r response) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}

	refreshToken := redactedPlaceholder
	if r.RefreshToken == "" {
		refreshToken = emptyPlaceholder
	}

	return fmt.Sprintf("response{AccessToken: %s, TokenType: %s, ExpiresIn: %d, RefreshToken: %s}",
		accessToken, r.TokenType, r.ExpiresIn, refreshToken)
}

// clientAuthentication represents the gateway's confidential client credentials.
type clientAuthentication struct {
	ClientID     string
	ClientSecret string
}

// String implements fmt.Stringer for clientAuthentication, redacting the client secret.
func (c clientAuthentication) String() string {
	clientSecret := redactedPlaceholder
	if c.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("clientAuthentication{ClientID: %s, ClientSecret: %s}",
		c.ClientID, clientSecret)
}

// ExchangeConfig holds the configuration for on-behalf-of exchange.
type ExchangeConfig struct {
	// TokenURL is the OAuth 2.0 token endpoint URL
	TokenURL string

	// ClientID is the gateway's confidential client identifier
	ClientID string

	// ClientSecret is the gateway's client secret
	ClientSecret string

	// Scopes is the default scope set requested for downstream tokens
	Scopes []string

	// HTTPClient is the HTTP client to use for exchange requests.
	// If nil, defaultHTTPClient will be used.
	HTTPClient *http.Client
}

// Validate checks if the ExchangeConfig contains all required fields.
func (c *ExchangeConfig) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("ClientSecret is required")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}
	return nil
}

// exchangeToken performs a single on-behalf-of exchange round trip.
func exchangeToken(
	ctx context.Context,
	conf *ExchangeConfig,
	request *exchangeRequest,
) (*oauth2.Token, error) {
	data, err := buildExchangeFormData(conf.ClientID, request)
	if err != nil {
		return nil, err
	}

	req, err := createExchangeRequest(ctx, conf.TokenURL, data, clientAuthentication{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	client := conf.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	body, err := executeExchangeRequest(client, req)
	if err != nil {
		return nil, err
	}

	tokenResp, err := parseExchangeResponse(body)
	if err != nil {
		return nil, err
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: server returned empty access_token", ErrUpstreamUnavailable)
	}
	if tokenResp.TokenType == "" {
		tokenResp.TokenType = "Bearer"
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	return token, nil
}

// buildExchangeFormData constructs form data for the on-behalf-of grant.
func buildExchangeFormData(clientID string, request *exchangeRequest) (url.Values, error) {
	if request.Assertion == "" {
		return nil, fmt.Errorf("assertion is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeJWTBearer)
	data.Set("client_id", clientID)
	data.Set("assertion", request.Assertion)
	data.Set("requested_token_use", requestedTokenUseOnBehalfOf)
	if len(request.Scopes) > 0 {
		data.Set("scope", strings.Join(request.Scopes, " "))
	}

	return data, nil
}

// createExchangeRequest creates an HTTP POST request for the exchange.
// Client credentials are sent via HTTP Basic Authentication as recommended by RFC 6749 Section 2.3.1.
func createExchangeRequest(
	ctx context.Context,
	endpoint string,
	data url.Values,
	auth clientAuthentication,
) (*http.Request, error) {
	encodedData := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encodedData))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

	// Per RFC 6749 and Go's SetBasicAuth documentation, credentials must be
	// URL-encoded before being passed to SetBasicAuth
	if auth.ClientID != "" && auth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(auth.ClientID), url.QueryEscape(auth.ClientSecret))
	}

	return req, nil
}

// executeExchangeRequest sends the HTTP request and returns the response body.
func executeExchangeRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUpstreamUnavailable, err)
	}

	if err := validateResponseStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// validateResponseStatus checks the HTTP status code and classifies failures.
func validateResponseStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode <= 299 {
		return nil
	}

	if oauthErr := parseOAuthError(statusCode, body); oauthErr != nil {
		logger.Debugf("On-behalf-of exchange OAuth error: %s (description: %s)", oauthErr.Error, oauthErr.ErrorDescription)
		return oauthErr.classify()
	}

	logger.Debugf("On-behalf-of exchange failed with status %d", statusCode)
	if statusCode >= 500 {
		return fmt.Errorf("%w: token endpoint returned status %d", ErrUpstreamUnavailable, statusCode)
	}
	return fmt.Errorf("%w: token endpoint returned status %d", ErrAssertionInvalid, statusCode)
}

// parseExchangeResponse parses the token endpoint response body.
func parseExchangeResponse(body []byte) (*response, error) {
	var tokenResp response
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token endpoint response", ErrUpstreamUnavailable)
	}
	return &tokenResp, nil
}
