// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/logger"
)

// maxDelegateBodySize bounds the request body (64 KB).
const maxDelegateBodySize = 64 << 10

// delegateRequest is the body of POST /api/v1/delegate.
type delegateRequest struct {
	// Owner is the subject id of the user owning the requested resource.
	// Empty means the caller's own resources.
	Owner string `json:"owner,omitempty"`

	// Scopes are the downstream scopes to request. Empty uses the
	// configured defaults.
	Scopes []string `json:"scopes,omitempty"`
}

// delegateResponse hands the delegated credential back to the in-process
// caller, which places it on the downstream request.
type delegateResponse struct {
	Authorization string    `json:"authorization"`
	TokenType     string    `json:"token_type"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Subject       string    `json:"subject"`
}

// DelegateRouter sets up the delegation route. The pipeline's validator is
// expected to have already run via auth.Middleware.
func DelegateRouter(pipeline *Pipeline) http.Handler {
	routes := &delegateRoutes{pipeline: pipeline}

	r := chi.NewRouter()
	r.Post("/", routes.delegate)
	return r
}

type delegateRoutes struct {
	pipeline *Pipeline
}

func (d *delegateRoutes) delegate(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Claims == nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	var req delegateRequest
	body := http.MaxBytesReader(w, r.Body, maxDelegateBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	delegation, err := d.pipeline.Delegate(
		r.Context(),
		audit.NetworkSource(r.RemoteAddr),
		identity.Claims,
		identity.Token,
		req.Owner,
		req.Scopes,
	)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	resp := delegateResponse{
		Authorization: delegation.AuthorizationHeader(),
		TokenType:     delegation.Token.TokenType,
		ExpiresAt:     delegation.Token.Expiry,
		Subject:       delegation.Claims.Subject,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("failed to encode delegate response: %v", err)
	}
}

// writePipelineError maps typed pipeline failures onto HTTP statuses. The
// response body carries only the failure class; upstream error detail stays
// in the server logs.
func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, "Authentication required", http.StatusUnauthorized)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, ErrUpstreamTimeout):
		http.Error(w, "Identity provider timed out", http.StatusGatewayTimeout)
	case errors.Is(err, ErrUpstreamUnavailable):
		http.Error(w, "Identity provider unavailable", http.StatusBadGateway)
	default:
		logger.Errorf("unclassified pipeline error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
