// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
)

const (
	actingUser = "00000000-0000-0000-0000-000000000001"
	otherUser  = "00000000-0000-0000-0000-000000000002"
)

func TestAuthorizeSameUser(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		claims         *auth.Claims
		requestedOwner string
		expected       Decision
	}{
		{
			name:           "own resource",
			claims:         &auth.Claims{Subject: actingUser},
			requestedOwner: actingUser,
			expected:       DecisionAllowed,
		},
		{
			name:           "no owner means self",
			claims:         &auth.Claims{Subject: actingUser},
			requestedOwner: "",
			expected:       DecisionAllowed,
		},
		{
			name:           "another user's resource",
			claims:         &auth.Claims{Subject: actingUser},
			requestedOwner: otherUser,
			expected:       DecisionDeniedCrossUser,
		},
		{
			name:           "no claims",
			claims:         nil,
			requestedOwner: actingUser,
			expected:       DecisionUnauthenticated,
		},
		{
			name:           "claims without subject",
			claims:         &auth.Claims{},
			requestedOwner: actingUser,
			expected:       DecisionUnauthenticated,
		},
		{
			name:           "case variants are distinct users",
			claims:         &auth.Claims{Subject: "AAAA"},
			requestedOwner: "aaaa",
			expected:       DecisionDeniedCrossUser,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			guard := NewGuard(audit.NewAuditor(&bytes.Buffer{}))
			decision := guard.AuthorizeSameUser(
				context.Background(), audit.NetworkSource("192.0.2.1"), tc.claims, tc.requestedOwner)
			assert.Equal(t, tc.expected, decision)
		})
	}
}

func TestAuthorizeSameUser_DenialIsAudited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	guard := NewGuard(audit.NewAuditor(&buf))

	decision := guard.AuthorizeSameUser(
		context.Background(),
		audit.NetworkSource("192.0.2.1"),
		&auth.Claims{Subject: actingUser},
		otherUser,
	)
	require.Equal(t, DecisionDeniedCrossUser, decision)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, audit.EventTypeCrossUserDenied, record["type"])
	assert.Equal(t, audit.OutcomeDenied, record["outcome"])

	subjects, ok := record["subjects"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, actingUser, subjects[audit.SubjectKeyUserID])
	assert.Equal(t, otherUser, subjects[audit.SubjectKeyRequestedOwner])
}

func TestAuthorizeSameUser_AllowedIsNotAudited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	guard := NewGuard(audit.NewAuditor(&buf))

	decision := guard.AuthorizeSameUser(
		context.Background(), audit.NetworkSource("192.0.2.1"), &auth.Claims{Subject: actingUser}, actingUser)
	require.Equal(t, DecisionAllowed, decision)
	assert.Zero(t, buf.Len())
}
