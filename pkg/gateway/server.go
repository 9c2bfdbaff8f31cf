// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/logger"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// auditSourceMiddleware stamps the request context with the peer address so
// audit events emitted below the HTTP layer name the network source. Must
// run after RealIP so the address is the client's, not the proxy's.
func auditSourceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithSource(r.Context(), audit.NetworkSource(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewRouter builds the gateway's HTTP router. The delegation API sits
// behind authentication middleware; health and metrics do not.
func NewRouter(pipeline *Pipeline, realm string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(middlewareTimeout),
		auditSourceMiddleware,
		headersMiddleware,
	)

	r.Mount("/health", HealthcheckRouter())
	r.Mount("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(pipeline.Validator(), realm))
		r.Mount("/delegate", DelegateRouter(pipeline))
	})

	return r
}

// Serve starts the gateway server on the given address. It is assumed that
// the caller sets up appropriate signal handling.
func Serve(ctx context.Context, address string, pipeline *Pipeline, realm string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           NewRouter(pipeline, realm),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	logger.Infof("starting gateway server on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Infof("gateway server stopped")
	return nil
}
