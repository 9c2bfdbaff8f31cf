// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
)

// Identity represents an authenticated principal together with the bearer
// token it presented. The token is kept so it can be replayed upstream as a
// delegation assertion; it is redacted in String() and MarshalJSON() to
// prevent leakage.
type Identity struct {
	// Claims are the validated identity claims.
	Claims *Claims

	// Token is the raw inbound bearer token.
	Token string

	// TokenType is the type of token (e.g. "Bearer").
	TokenType string
}

// String returns a representation of the Identity with the token redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	subject := ""
	if i.Claims != nil {
		subject = i.Claims.Subject
	}
	return fmt.Sprintf("Identity{Subject:%q}", subject)
}

// MarshalJSON redacts the token during JSON serialization so identities are
// safe to place in structured logs and audit records.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Claims    *Claims `json:"claims"`
		Token     string  `json:"token"`
		TokenType string  `json:"tokenType"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeIdentity{
		Claims:    i.Claims,
		Token:     token,
		TokenType: i.TokenType,
	})
}
