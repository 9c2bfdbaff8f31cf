package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelAudit is a custom audit log level - between Info and Warn
const LevelAudit = slog.Level(2)

// NewAuditLogger creates a new structured audit logger that writes to the specified writer.
func NewAuditLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelAudit,
	})

	return slog.New(handler)
}

// Auditor records security-relevant gateway events. It never receives token
// material; callers pass subject identifiers and scope names only.
type Auditor struct {
	auditLogger *slog.Logger
	component   string
}

// NetworkSource builds an EventSource for a network peer, typically the
// remote address of an HTTP request.
func NetworkSource(value string) EventSource {
	return EventSource{Type: SourceTypeNetwork, Value: value}
}

// NewAuditor creates a new Auditor writing to the given writer.
// A nil writer defaults to stdout.
func NewAuditor(w io.Writer) *Auditor {
	return &Auditor{
		auditLogger: NewAuditLogger(w),
		component:   ComponentGateway,
	}
}

// LogAuthentication records the outcome of an inbound token validation.
// reason is a short failure class such as "expired" or "invalid_signature";
// it is empty on success.
func (a *Auditor) LogAuthentication(ctx context.Context, source EventSource, subject string, outcome, reason string) {
	subjects := map[string]string{SubjectKeyUserID: subject}
	if subject == "" {
		subjects[SubjectKeyUserID] = "anonymous"
	}

	event := NewAuditEvent(EventTypeAuthentication, source, outcome, subjects, a.component)
	if reason != "" {
		event.Metadata.Extra = map[string]any{"reason": reason}
	}
	event.LogTo(ctx, a.auditLogger, LevelAudit)
}

// LogCrossUserDenial records a denied attempt to act on another user's
// resource. Both identifiers are recorded for security monitoring.
func (a *Auditor) LogCrossUserDenial(ctx context.Context, source EventSource, actingSubject, requestedOwner string) {
	subjects := map[string]string{
		SubjectKeyUserID:         actingSubject,
		SubjectKeyRequestedOwner: requestedOwner,
	}

	event := NewAuditEvent(EventTypeCrossUserDenied, source, OutcomeDenied, subjects, a.component)
	event.LogTo(ctx, a.auditLogger, LevelAudit)
}

// LogExchange records the outcome of an on-behalf-of exchange with the
// identity provider.
func (a *Auditor) LogExchange(ctx context.Context, source EventSource, subject string, scopes string, outcome, reason string) {
	subjects := map[string]string{SubjectKeyUserID: subject}

	event := NewAuditEvent(EventTypeTokenExchange, source, outcome, subjects, a.component)
	event.WithTarget(map[string]string{TargetKeyScopes: scopes})
	if reason != "" {
		event.Metadata.Extra = map[string]any{"reason": reason}
	}
	event.LogTo(ctx, a.auditLogger, LevelAudit)
}
