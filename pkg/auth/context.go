// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

// ClaimsContextKey is the key used to store Claims in the request context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same
// name in different packages.
type ClaimsContextKey struct{}

// WithClaims stores Claims in the context.
// If claims is nil, the original context is returned unchanged.
//
// This is typically called by authentication middleware after successful
// validation to make the identity available to downstream handlers.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves Claims from the context.
// Returns the claims and true if present, nil and false otherwise.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(ClaimsContextKey{}).(*Claims)
	return claims, ok
}

// IdentityContextKey is the key used to store the full Identity, including
// the raw bearer token, in the request context.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}
