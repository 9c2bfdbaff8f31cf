// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway composes validation, authorization and on-behalf-of
// exchange into a single delegated-request pipeline and serves it over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/auth/jwks"
	"github.com/stacklok/tokengate/pkg/auth/obo"
	"github.com/stacklok/tokengate/pkg/auth/token"
	"github.com/stacklok/tokengate/pkg/authz"
	"github.com/stacklok/tokengate/pkg/telemetry"
)

// Typed pipeline failures. Each maps onto exactly one HTTP status.
var (
	// ErrUnauthenticated covers every failure of inbound token validation
	// and upstream rejections of the assertion itself.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden covers cross-user denials and missing consent.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnavailable covers exhausted transient identity provider
	// failures.
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")

	// ErrUpstreamTimeout covers exchanges abandoned on a deadline.
	ErrUpstreamTimeout = errors.New("identity provider timed out")
)

// Delegation is the successful result of the pipeline: the validated caller
// identity together with the downstream token minted for them. The token
// must never be logged.
type Delegation struct {
	Claims *auth.Claims
	Token  *oauth2.Token
}

// AuthorizationHeader returns the value to place in the downstream
// Authorization header.
func (d *Delegation) AuthorizationHeader() string {
	tokenType := d.Token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + d.Token.AccessToken
}

// Pipeline runs the delegated-request flow: validate the inbound token,
// check same-user authorization, then exchange for a downstream token.
// The steps are strictly ordered; no exchange happens for a request that
// has not been authenticated and authorized.
type Pipeline struct {
	validator auth.Validator
	guard     *authz.Guard
	exchanger *obo.Exchanger
	auditor   *audit.Auditor
}

// NewPipeline assembles a pipeline from its stages.
func NewPipeline(
	validator auth.Validator,
	guard *authz.Guard,
	exchanger *obo.Exchanger,
	auditor *audit.Auditor,
) *Pipeline {
	return &Pipeline{
		validator: validator,
		guard:     guard,
		exchanger: exchanger,
		auditor:   auditor,
	}
}

// Validator returns the pipeline's validator, wrapped so every validation
// is audited and counted. It is intended for use with auth.Middleware.
func (p *Pipeline) Validator() auth.Validator {
	return &auditingValidator{validator: p.validator, auditor: p.auditor}
}

// Run executes the full pipeline for a raw bearer token.
func (p *Pipeline) Run(
	ctx context.Context,
	source audit.EventSource,
	bearer string,
	requestedOwner string,
	scopes []string,
) (*Delegation, error) {
	claims, err := p.Validator().ValidateToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, jwks.ErrUpstreamUnavailable) {
			return nil, fmt.Errorf("%w: signing keys unavailable", ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return p.Delegate(ctx, source, claims, bearer, requestedOwner, scopes)
}

// Delegate runs authorization and exchange for an already validated caller.
// bearer is the inbound token the caller authenticated with; it becomes the
// delegation assertion.
func (p *Pipeline) Delegate(
	ctx context.Context,
	source audit.EventSource,
	claims *auth.Claims,
	bearer string,
	requestedOwner string,
	scopes []string,
) (*Delegation, error) {
	start := time.Now()

	decision := p.guard.AuthorizeSameUser(ctx, source, claims, requestedOwner)
	switch decision {
	case authz.DecisionAllowed:
	case authz.DecisionUnauthenticated:
		observe(start, telemetry.OutcomeFailure)
		return nil, fmt.Errorf("%w: no validated identity", ErrUnauthenticated)
	default:
		telemetry.AuthorizationDenialsTotal.Inc()
		observe(start, telemetry.OutcomeDenied)
		return nil, fmt.Errorf("%w: cannot act on another user's resources", ErrForbidden)
	}

	exchangedToken, err := p.exchanger.ExchangeOnBehalfOf(ctx, claims.Subject, bearer, scopes)
	if err != nil {
		p.auditExchange(ctx, source, claims.Subject, scopes, audit.OutcomeFailure, reasonForExchangeError(err))
		observe(start, telemetry.OutcomeError)
		return nil, mapExchangeError(ctx, err)
	}

	p.auditExchange(ctx, source, claims.Subject, scopes, audit.OutcomeSuccess, "")
	observe(start, telemetry.OutcomeSuccess)

	return &Delegation{Claims: claims, Token: exchangedToken}, nil
}

func (p *Pipeline) auditExchange(
	ctx context.Context,
	source audit.EventSource,
	subject string,
	scopes []string,
	outcome, reason string,
) {
	if p.auditor == nil {
		return
	}
	p.auditor.LogExchange(ctx, source, subject, strings.Join(scopes, " "), outcome, reason)
}

func observe(start time.Time, outcome string) {
	telemetry.DelegationDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// mapExchangeError converts exchange failures into the pipeline's typed
// errors. Terminal upstream rejections mean the caller's delegation is not
// valid, not that the gateway is broken, so they map to 401/403.
func mapExchangeError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, obo.ErrAssertionInvalid):
		return fmt.Errorf("%w: delegation assertion rejected", ErrUnauthenticated)
	case errors.Is(err, obo.ErrConsentRequired), errors.Is(err, obo.ErrUnauthorizedClient):
		return fmt.Errorf("%w: delegation not permitted", ErrForbidden)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}

// reasonForExchangeError returns a short failure class for audit records.
func reasonForExchangeError(err error) string {
	switch {
	case errors.Is(err, obo.ErrAssertionInvalid):
		return "assertion_invalid"
	case errors.Is(err, obo.ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, obo.ErrUnauthorizedClient):
		return "unauthorized_client"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream_unavailable"
	}
}

// auditingValidator decorates a Validator with audit events and metrics.
// The strategy underneath (real JWKS-backed or local) stays unaware of
// observability concerns.
type auditingValidator struct {
	validator auth.Validator
	auditor   *audit.Auditor
}

func (v *auditingValidator) ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	source, ok := audit.SourceFromContext(ctx)
	if !ok {
		source = audit.EventSource{Type: audit.SourceTypeLocal}
	}

	claims, err := v.validator.ValidateToken(ctx, tokenString)
	if err != nil {
		telemetry.TokenValidationsTotal.WithLabelValues(telemetry.OutcomeFailure).Inc()
		if v.auditor != nil {
			v.auditor.LogAuthentication(ctx, source, "", audit.OutcomeFailure, reasonForValidationError(err))
		}
		return nil, err
	}

	telemetry.TokenValidationsTotal.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	if v.auditor != nil {
		v.auditor.LogAuthentication(ctx, source, claims.Subject, audit.OutcomeSuccess, "")
	}
	return claims, nil
}

// reasonForValidationError returns a short failure class for audit records.
// The raw error may carry key ids but never token material; the audit
// record carries neither.
func reasonForValidationError(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, token.ErrInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, token.ErrInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	case errors.Is(err, token.ErrNoToken):
		return "missing"
	default:
		return "invalid"
	}
}
