// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
)

// SourceContextKey is the key used to store the request's EventSource in
// the context, so components that only receive a context can still attribute
// their audit events to the network peer that triggered them.
type SourceContextKey struct{}

// WithSource stores the event source in the context.
func WithSource(ctx context.Context, source EventSource) context.Context {
	return context.WithValue(ctx, SourceContextKey{}, source)
}

// SourceFromContext retrieves the event source from the context.
func SourceFromContext(ctx context.Context) (EventSource, bool) {
	if ctx == nil {
		return EventSource{}, false
	}
	source, ok := ctx.Value(SourceContextKey{}).(EventSource)
	return source, ok
}
