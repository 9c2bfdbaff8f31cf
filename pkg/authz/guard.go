// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz enforces the gateway's same-user authorization rule: an
// authenticated caller may only act on resources they own.
package authz

import (
	"context"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// DecisionAllowed permits the request to proceed.
	DecisionAllowed Decision = iota

	// DecisionUnauthenticated means no validated identity was present.
	DecisionUnauthenticated

	// DecisionDeniedCrossUser means the caller asked to act on a resource
	// owned by a different user.
	DecisionDeniedCrossUser
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionUnauthenticated:
		return "unauthenticated"
	case DecisionDeniedCrossUser:
		return "denied_cross_user"
	default:
		return "unknown"
	}
}

// Guard performs same-user authorization checks and records denials in the
// audit log. A denial is a security signal, not a routine failure, so every
// cross-user denial is audited with both identities.
type Guard struct {
	auditor *audit.Auditor
}

// NewGuard creates a Guard that reports denials to the given auditor.
func NewGuard(auditor *audit.Auditor) *Guard {
	return &Guard{auditor: auditor}
}

// AuthorizeSameUser checks that the authenticated caller is the owner of
// the requested resource. An empty requestedOwner means the caller is
// acting on their own behalf and is always allowed. The comparison is an
// exact byte match: subject identifiers are opaque and normalizing them
// risks collapsing distinct users.
func (g *Guard) AuthorizeSameUser(
	ctx context.Context,
	source audit.EventSource,
	claims *auth.Claims,
	requestedOwner string,
) Decision {
	if claims == nil || claims.Subject == "" {
		return DecisionUnauthenticated
	}

	if requestedOwner == "" || requestedOwner == claims.Subject {
		return DecisionAllowed
	}

	if g.auditor != nil {
		g.auditor.LogCrossUserDenial(ctx, source, claims.Subject, requestedOwner)
	}
	return DecisionDeniedCrossUser
}
