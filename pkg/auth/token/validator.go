// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token validates inbound JWT bearer tokens against a JWKS endpoint.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/auth/jwks"
	"github.com/stacklok/tokengate/pkg/networking"
)

// Common errors
var (
	ErrNoToken          = errors.New("no token provided")
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrMissingJWKSURL   = errors.New("missing JWKS URL")
)

// Validator validates JWT bearer tokens using a JWKS key cache. Signing keys
// are looked up by kid, so key rotation at the identity provider is picked up
// without a restart.
type Validator struct {
	issuers   []string
	audiences []string
	keys      *jwks.Cache
}

// ValidatorConfig contains configuration for the token validator.
type ValidatorConfig struct {
	// Issuers is the set of issuer values accepted in the `iss` claim.
	// Multiple entries cover identity providers that publish more than one
	// equivalent issuer form (e.g. v1 and v2 endpoints of the same tenant).
	Issuers []string

	// Audiences is the set of accepted `aud` values. A token is accepted if
	// any of its audiences matches any entry.
	Audiences []string

	// JWKSURL is the URL to fetch the signing keys from.
	JWKSURL string

	// CACertPath is the path to the CA certificate bundle for HTTPS requests.
	CACertPath string

	// AllowPrivateIP allows the JWKS endpoint to resolve to a private IP
	// address. Intended for tests and local development only.
	AllowPrivateIP bool

	// JWKSTTL overrides how long a fetched key set is considered fresh.
	JWKSTTL time.Duration
}

// NewValidator creates a new token validator.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}
	if len(config.Issuers) == 0 {
		return nil, errors.New("at least one accepted issuer must be configured")
	}
	if len(config.Audiences) == 0 {
		return nil, errors.New("at least one accepted audience must be configured")
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(config.CACertPath).
		WithPrivateIPs(config.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	cacheOpts := []jwks.Option{jwks.WithHTTPClient(httpClient)}
	if config.JWKSTTL > 0 {
		cacheOpts = append(cacheOpts, jwks.WithTTL(config.JWKSTTL))
	}
	cache, err := jwks.NewCache(config.JWKSURL, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		issuers:   config.Issuers,
		audiences: config.Audiences,
		keys:      cache,
	}, nil
}

// getSigningKey resolves the token's signing key from the JWKS cache.
func (v *Validator) getSigningKey(ctx context.Context, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	key, err := v.keys.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims checks the issuer and audience claims against the
// configured allow-lists. Expiry and not-before are already enforced by the
// parser, so only identity checks remain here.
func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	issuerClaim, err := claims.GetIssuer()
	if err != nil {
		return ErrInvalidIssuer
	}
	issuerClaim = strings.TrimSpace(issuerClaim)

	found := false
	for _, iss := range v.issuers {
		if issuerClaim == strings.TrimSpace(iss) {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidIssuer
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return ErrInvalidAudience
	}

	for _, aud := range audiences {
		for _, accepted := range v.audiences {
			if aud == accepted {
				return nil
			}
		}
	}

	return ErrInvalidAudience
}

// ValidateToken validates a bearer token and returns its identity claims.
// Checks run in order: structural parse, signature, temporal validity, then
// issuer and audience against the configured allow-lists. The raw token is
// never included in returned errors.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getSigningKey(ctx, token)
	}, jwt.WithExpirationRequired())

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrNotYetValid
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			// No exp claim at all: treat as structurally unacceptable.
			return nil, ErrMalformed
		default:
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to get claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return auth.FromJWT(claims)
}

// JWKSURL returns the JWKS URL used by the validator.
func (v *Validator) JWKSURL() string {
	return v.keys.URL()
}
