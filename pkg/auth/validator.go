// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

// Validator checks an inbound bearer token and returns the identity claims
// it carries. Implementations are selected once at startup; request handling
// never branches on which strategy is in use.
type Validator interface {
	// ValidateToken validates a bearer token and returns its claims.
	// The returned error never contains the token itself.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}
