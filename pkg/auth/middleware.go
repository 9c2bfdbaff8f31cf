// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// EscapeQuotes escapes double quotes and backslashes for use inside quoted
// WWW-Authenticate parameter values.
func EscapeQuotes(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return replacer.Replace(s)
}

// buildWWWAuthenticate builds an RFC 6750 compliant value for the
// WWW-Authenticate header. If includeError is true, it appends
// error="invalid_token" and an optional description.
func buildWWWAuthenticate(realm string, includeError bool, errDescription string) string {
	var parts []string

	if realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(realm)))
	}

	// error fields (RFC 6750 §3)
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Middleware creates an HTTP middleware that authenticates requests with the
// given validator. On success the validated Claims and the full Identity
// (including the raw token, needed for delegation upstream) are added to the
// request context. On failure the middleware responds 401 with a
// WWW-Authenticate challenge; response bodies never echo the token.
func Middleware(validator Validator, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, false, ""))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, false, ""))
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, true, err.Error()))
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := WithClaims(r.Context(), claims)
			ctx = WithIdentity(ctx, &Identity{
				Claims:    claims,
				Token:     tokenString,
				TokenType: "Bearer",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
