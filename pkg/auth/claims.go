// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides authentication and authorization types for the
// delegated-identity gateway.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the validated identity of the caller. It is produced
// exclusively by token validation (or the fixed local-development mock),
// is immutable once constructed, and lives only for the duration of a
// single request.
type Claims struct {
	// Subject is the stable, opaque identifier of the user. It is resolved
	// from the token claims using a fixed priority order:
	//
	//   1. "oid" - the tenant-wide object id. Stable for the user across
	//      every client application in the tenant.
	//   2. "sub" - the OIDC subject. Always present, but pairwise per
	//      client, so only used when "oid" is absent.
	//
	// The order is deliberate: a user's resources are keyed by their
	// tenant-wide identity, and silently switching to a pairwise subject
	// across token versions would make the same user look like a stranger.
	Subject string

	// Name is the human-readable display name (from "name", if present).
	Name string

	// PreferredUsername is the login-style identifier, resolved as
	// "preferred_username", then "email", then "upn".
	PreferredUsername string

	// TenantID identifies the issuing tenant (from "tid", if present).
	TenantID string

	// Scopes are the granted scopes, split from the space-delimited
	// "scp" claim ("scope" as a fallback).
	Scopes []string

	// ExpiresAt is the token expiry instant.
	ExpiresAt time.Time

	// Issuer is the raw issuer string of the validated token.
	Issuer string

	// Raw preserves all token claims for policy use. Callers must treat
	// it as read-only.
	Raw map[string]any
}

// String returns a representation safe for logging. Only the subject is
// included; the raw claim map may carry identifying attributes.
func (c *Claims) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Claims{Subject:%q}", c.Subject)
}

// HasScope reports whether the claims contain the given scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FromJWT maps raw JWT claims into a typed Claims value. The mapping runs
// once at validation time; no call site re-derives identity from the raw
// map. A token without a usable subject is rejected.
func FromJWT(claims jwt.MapClaims) (*Claims, error) {
	subject := stringClaim(claims, "oid")
	if subject == "" {
		subject = stringClaim(claims, "sub")
	}
	if subject == "" {
		return nil, errors.New("token carries neither 'oid' nor 'sub' claim")
	}

	username := stringClaim(claims, "preferred_username")
	if username == "" {
		username = stringClaim(claims, "email")
	}
	if username == "" {
		username = stringClaim(claims, "upn")
	}

	c := &Claims{
		Subject:           subject,
		Name:              stringClaim(claims, "name"),
		PreferredUsername: username,
		TenantID:          stringClaim(claims, "tid"),
		Raw:               claims,
	}

	if iss, err := claims.GetIssuer(); err == nil {
		c.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}

	scope := stringClaim(claims, "scp")
	if scope == "" {
		scope = stringClaim(claims, "scope")
	}
	if scope != "" {
		c.Scopes = strings.Fields(scope)
	}

	return c, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
