// Package audit provides an append-only structured event log for
// authentication, authorization, and security decisions. The logger is a
// pure sink: callers never block on it and logging failures never
// propagate into request handling.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAuthorization  EventType = "authorization"
	EventTypeSession        EventType = "session"
	EventTypeSecurity       EventType = "security"
	EventTypeRotation       EventType = "rotation"
	EventTypeCircuit        EventType = "circuit"
)

// Action represents the action being audited.
type Action string

// Actions.
const (
	ActionLoginSuccess       Action = "login_success"
	ActionLoginFailure       Action = "login_failure"
	ActionTokenIssued        Action = "token_issued"
	ActionTokenRevoked       Action = "token_revoked"
	ActionTokenRefreshed     Action = "token_refreshed"
	ActionPasswordChanged    Action = "password_changed"
	ActionPermissionChanged  Action = "permission_changed"
	ActionRoleChanged        Action = "role_changed"
	ActionSessionStart       Action = "session_start"
	ActionSessionEnd         Action = "session_end"
	ActionRateLimitViolation Action = "rate_limit_violation"
	ActionIPBlocked          Action = "ip_blocked"
	ActionUnauthorizedAccess Action = "unauthorized_access"
	ActionCircuitStateChange Action = "circuit_state_change"
	ActionSecretRotated      Action = "secret_rotated"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event represents an immutable audit record.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Action is the action being audited.
	Action Action `json:"action"`

	// Outcome is the outcome of the action.
	Outcome Outcome `json:"outcome"`

	// Subject is the id of the entity the event concerns.
	Subject string `json:"subject,omitempty"`

	// IPAddress is the origin IP of the request, if known.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the origin user agent, if known.
	UserAgent string `json:"user_agent,omitempty"`

	// Details contains additional free-form metadata.
	Details map[string]interface{} `json:"details,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the span ID for distributed tracing.
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new audit event with default values.
func NewEvent(eventType EventType, action Action, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Action:    action,
		Outcome:   outcome,
		Details:   make(map[string]interface{}),
	}
}

// WithSubject sets the subject id.
func (e *Event) WithSubject(subject string) *Event {
	e.Subject = subject
	return e
}

// WithOrigin sets the origin IP and user agent.
func (e *Event) WithOrigin(ip, userAgent string) *Event {
	e.IPAddress = ip
	e.UserAgent = userAgent
	return e
}

// WithDetail adds a detail entry to the event.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AuthenticationEvent creates an authentication audit event.
func AuthenticationEvent(action Action, outcome Outcome, subject string) *Event {
	return NewEvent(EventTypeAuthentication, action, outcome).WithSubject(subject)
}

// AuthorizationEvent creates an authorization-denial audit event.
func AuthorizationEvent(subject, permission string) *Event {
	return NewEvent(EventTypeAuthorization, ActionUnauthorizedAccess, OutcomeDenied).
		WithSubject(subject).
		WithDetail("permission", permission)
}

// SessionEvent creates a session lifecycle audit event.
func SessionEvent(action Action, subject, sessionID string) *Event {
	return NewEvent(EventTypeSession, action, OutcomeSuccess).
		WithSubject(subject).
		WithDetail("session_id", sessionID)
}

// SecurityEvent creates a security audit event.
func SecurityEvent(action Action, outcome Outcome, subject string, details map[string]interface{}) *Event {
	event := NewEvent(EventTypeSecurity, action, outcome).WithSubject(subject)
	for k, v := range details {
		event.WithDetail(k, v)
	}
	return event
}

// CircuitEvent creates a circuit-breaker transition audit event.
func CircuitEvent(service, from, to string) *Event {
	return NewEvent(EventTypeCircuit, ActionCircuitStateChange, OutcomeSuccess).
		WithDetail("service", service).
		WithDetail("from", from).
		WithDetail("to", to)
}

// RotationEvent creates a secret-rotation audit event.
func RotationEvent(secretName string, outcome Outcome) *Event {
	return NewEvent(EventTypeRotation, ActionSecretRotated, outcome).
		WithDetail("secret", secretName)
}

// RoleChangeEvent creates a role-change audit event recording the old and
// new role sets and the actor who changed them.
func RoleChangeEvent(subject string, oldRoles, newRoles []string, changedBy string) *Event {
	return NewEvent(EventTypeAuthorization, ActionRoleChanged, OutcomeSuccess).
		WithSubject(subject).
		WithDetail("old_roles", oldRoles).
		WithDetail("new_roles", newRoles).
		WithDetail("changed_by", changedBy)
}
