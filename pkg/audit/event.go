// Package audit provides audit logging for security-relevant gateway events.
// This package includes audit event structures and utilities based on
// the auditevent library from metal-toolbox/auditevent to ensure
// NIST SP 800-53 compliance.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// The following code is adapted from github.com/metal-toolbox/auditevent
// Original copyright notice:
/*
Copyright 2022 Equinix, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// AuditEvent represents an audit event.
// It provides the minimal information needed to audit an event, as well as
// a uniform format to persist the events in audit logs.
//
// It is highly recommended to use the NewAuditEvent function to create
// audit events and set the required fields.
//
//nolint:revive // AuditEvent name is intentional for compatibility with auditevent library
type AuditEvent struct {
	Metadata EventMetadata `json:"metadata"`
	// Type: Defines the type of event that occurred
	// This is a small identifier to quickly determine what happened.
	Type string `json:"type"`
	// LoggedAt: determines when the event occurred.
	// The output must be in Coordinated Universal Time (UTC) format to
	// satisfy NIST SP 800-53 requirement AU-8.
	LoggedAt time.Time `json:"loggedAt"`
	// Source: determines the source of the event.
	// Normally, using the IP address of the client is sufficient.
	// One must be careful of the data that's added here as we don't want to
	// leak Personally Identifiable Information.
	Source EventSource `json:"source"`
	// Outcome: determines whether the event was successful or not.
	// It may also determine if the event was approved or denied.
	Outcome string `json:"outcome"`
	// Subjects: is the identity of the subject of the event.
	// e.g. who triggered the event? For cross-user denials this carries
	// both the acting subject and the requested resource owner.
	Subjects map[string]string `json:"subjects"`
	// Component: allows to determine in which component the event occurred.
	Component string `json:"component"`
	// Target: Defines the target of the operation, e.g. the downstream
	// resource and the scopes requested for it.
	Target map[string]string `json:"target,omitempty"`
	// Data: enhances the audit event with extra information that may be
	// useful for forensic analysis. Token material must never be placed here.
	Data *json.RawMessage `json:"data,omitempty"`
}

// EventMetadata contains metadata about the audit event.
type EventMetadata struct {
	// AuditID: is a unique identifier for the audit event.
	AuditID string `json:"auditId"`
	// Extra allows for including additional information about the event
	// that aids in tracking, parsing or auditing
	Extra map[string]any `json:"extra,omitempty"`
}

// EventSource represents the source of an audit event.
type EventSource struct {
	// Type indicates the source type. e.g. Network, File, local, etc.
	Type string `json:"type"`
	// Value aims to indicate the source of the event. e.g. IP address,
	// hostname, etc.
	Value string `json:"value"`
	// Extra allows for including additional information about the event
	// source that aids in tracking, parsing or auditing
	Extra map[string]any `json:"extra,omitempty"`
}

// NewAuditEvent returns a new AuditEvent with an appropriately set AuditID and logging time.
func NewAuditEvent(
	eventType string,
	source EventSource,
	outcome string,
	subjects map[string]string,
	component string,
) *AuditEvent {
	return &AuditEvent{
		Metadata: EventMetadata{
			AuditID: uuid.New().String(),
		},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget sets the target of the event.
func (e *AuditEvent) WithTarget(target map[string]string) *AuditEvent {
	e.Target = target
	return e
}

// WithData sets the data of the event.
func (e *AuditEvent) WithData(data *json.RawMessage) *AuditEvent {
	e.Data = data
	return e
}

// LogTo logs the audit event to the provided slog.Logger using the custom audit level.
func (e *AuditEvent) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.Metadata.AuditID),
		slog.String("type", e.Type),
		slog.Time("logged_at", e.LoggedAt),
		slog.String("outcome", e.Outcome),
		slog.String("component", e.Component),
		slog.Group("source",
			slog.String("type", e.Source.Type),
			slog.String("value", e.Source.Value),
			slog.Any("extra", e.Source.Extra),
		),
		slog.Any("subjects", e.Subjects),
	}

	if e.Target != nil {
		attrs = append(attrs, slog.Any("target", e.Target))
	}

	if e.Metadata.Extra != nil {
		attrs = append(attrs, slog.Group("metadata", slog.Any("extra", e.Metadata.Extra)))
	}

	if e.Data != nil {
		attrs = append(attrs, slog.Any("data", e.Data))
	}

	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}

// Event types emitted by the gateway.
const (
	// EventTypeAuthentication is emitted for each inbound token validation.
	EventTypeAuthentication = "authentication"
	// EventTypeCrossUserDenied is emitted when a caller requests a resource
	// owned by a different identity. Tagged for security monitoring.
	EventTypeCrossUserDenied = "cross_user_denied"
	// EventTypeTokenExchange is emitted for each on-behalf-of exchange
	// against the identity provider, cached hits excluded.
	EventTypeTokenExchange = "token_exchange"
)

// Common event outcomes
const (
	// OutcomeSuccess indicates the event was successful
	OutcomeSuccess = "success"
	// OutcomeFailure indicates the event failed
	OutcomeFailure = "failure"
	// OutcomeError indicates the event resulted in an error
	OutcomeError = "error"
	// OutcomeDenied indicates the event was denied (e.g., by authorization)
	OutcomeDenied = "denied"
)

// Common source types
const (
	// SourceTypeNetwork indicates the event came from a network request
	SourceTypeNetwork = "network"
	// SourceTypeLocal indicates the event came from a local source
	SourceTypeLocal = "local"
)

// Subject keys used in audit events.
const (
	// SubjectKeyUserID is the stable subject identifier of the acting user.
	SubjectKeyUserID = "user_id"
	// SubjectKeyUser is the human-readable name of the acting user.
	SubjectKeyUser = "user"
	// SubjectKeyRequestedOwner is the subject identifier of the resource
	// owner the caller asked to act on. Present on cross-user denials.
	SubjectKeyRequestedOwner = "requested_owner"
)

// Target keys used in audit events.
const (
	// TargetKeyResource names the downstream resource of the operation.
	TargetKeyResource = "resource"
	// TargetKeyScopes lists the scopes requested for the exchanged token.
	TargetKeyScopes = "scopes"
	// TargetKeyEndpoint is the request path of the operation.
	TargetKeyEndpoint = "endpoint"
)

// ComponentGateway is the component name for gateway audit events.
const ComponentGateway = "tokengate"
