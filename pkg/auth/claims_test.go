// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJWT(t *testing.T) {
	t.Parallel()

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	testCases := []struct {
		name      string
		claims    jwt.MapClaims
		expectErr bool
		check     func(t *testing.T, c *Claims)
	}{
		{
			name: "full set of claims",
			claims: jwt.MapClaims{
				"oid":                "11111111-1111-1111-1111-111111111111",
				"sub":                "pairwise-subject",
				"name":               "Ada Lovelace",
				"preferred_username": "ada@example.com",
				"tid":                "tenant-1",
				"scp":                "user_impersonation openid",
				"iss":                "https://login.example.com/tenant/v2.0",
				"exp":                float64(expiry.Unix()),
			},
			check: func(t *testing.T, c *Claims) {
				t.Helper()
				assert.Equal(t, "11111111-1111-1111-1111-111111111111", c.Subject)
				assert.Equal(t, "Ada Lovelace", c.Name)
				assert.Equal(t, "ada@example.com", c.PreferredUsername)
				assert.Equal(t, "tenant-1", c.TenantID)
				assert.Equal(t, []string{"user_impersonation", "openid"}, c.Scopes)
				assert.Equal(t, expiry.Unix(), c.ExpiresAt.Unix())
			},
		},
		{
			name: "falls back to sub when oid absent",
			claims: jwt.MapClaims{
				"sub": "pairwise-subject",
				"exp": float64(expiry.Unix()),
			},
			check: func(t *testing.T, c *Claims) {
				t.Helper()
				assert.Equal(t, "pairwise-subject", c.Subject)
			},
		},
		{
			name: "username falls back to email then upn",
			claims: jwt.MapClaims{
				"sub":   "s",
				"email": "fallback@example.com",
				"upn":   "upn@example.com",
				"exp":   float64(expiry.Unix()),
			},
			check: func(t *testing.T, c *Claims) {
				t.Helper()
				assert.Equal(t, "fallback@example.com", c.PreferredUsername)
			},
		},
		{
			name: "no subject claim at all",
			claims: jwt.MapClaims{
				"name": "Nobody",
				"exp":  float64(expiry.Unix()),
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			claims, err := FromJWT(tc.claims)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, claims)
		})
	}
}

func TestClaimsString_RedactsEverythingButSubject(t *testing.T) {
	t.Parallel()

	claims := &Claims{
		Subject:           "11111111-1111-1111-1111-111111111111",
		Name:              "Ada Lovelace",
		PreferredUsername: "ada@example.com",
	}

	s := claims.String()
	assert.Contains(t, s, claims.Subject)
	assert.NotContains(t, s, "Ada Lovelace")
	assert.NotContains(t, s, "ada@example.com")
}

func TestClaimsHasScope(t *testing.T) {
	t.Parallel()

	claims := &Claims{Scopes: []string{"user_impersonation", "openid"}}
	assert.True(t, claims.HasScope("openid"))
	assert.False(t, claims.HasScope("admin"))
}
