// Package guard composes the protection components into a single request
// evaluation pipeline. The Guard is an explicit dependency-injected
// registry built once at process start; Evaluate runs the ordered chain
// and returns an allow/deny decision with a machine-readable code. Nothing
// here is fatal: a component failure degrades to denying one request.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/fiscalsim/guard/internal/admission"
	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/circuitbreaker"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/ratelimit"
	"github.com/fiscalsim/guard/internal/rbac"
	"github.com/fiscalsim/guard/internal/session"
	"github.com/fiscalsim/guard/internal/token"
	"github.com/fiscalsim/guard/internal/util"
)

// Request is one inbound call to evaluate, as handed over by the web
// layer: an already-extracted bearer token, the caller's origin, and the
// target endpoint.
type Request struct {
	// Token is the bearer token, empty for anonymous calls.
	Token string
	// IP is the caller's IP address.
	IP string
	// UserAgent is the caller's user agent.
	UserAgent string
	// Endpoint is the target endpoint name.
	Endpoint string
	// RequiredPermission is the permission the endpoint demands, empty
	// for public endpoints.
	RequiredPermission rbac.Permission
	// ContentType is the declared content type.
	ContentType string
	// ContentLength is the declared body size in bytes.
	ContentLength int64
	// Headers are the inbound request headers.
	Headers map[string]string
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	// Allowed reports whether the request may proceed to its handler.
	Allowed bool
	// Code is the machine-readable denial code, empty when allowed.
	Code string
	// RetryAfter hints when a rate-limited or circuit-tripped caller may
	// retry.
	RetryAfter time.Duration
	// Queued reports the request was parked for retry instead of
	// rejected outright.
	Queued bool
	// Subject is the authenticated subject, empty for anonymous calls.
	Subject string
	// Roles are the authenticated subject's roles.
	Roles []string
	// CleanHeaders are the request headers after sanitization, set only
	// when allowed.
	CleanHeaders map[string]string
}

// deny builds a denial decision.
func deny(code string) *Decision {
	return &Decision{Allowed: false, Code: code}
}

// Guard is the dependency registry for request evaluation.
type Guard struct {
	tokens       *token.Manager
	sessions     *session.Manager
	authz        *rbac.Authorizer
	limiter      *ratelimit.Limiter
	validator    *admission.Validator
	queue        *admission.Queue
	backpressure *admission.Backpressure
	breakers     *circuitbreaker.Registry
	auditLog     audit.Logger
	logger       observability.Logger
}

// Deps holds the components a Guard composes. Tokens, Limiter, and
// Validator are required; the rest default to inert implementations.
type Deps struct {
	Tokens       *token.Manager
	Sessions     *session.Manager
	Authorizer   *rbac.Authorizer
	Limiter      *ratelimit.Limiter
	Validator    *admission.Validator
	Queue        *admission.Queue
	Backpressure *admission.Backpressure
	Breakers     *circuitbreaker.Registry
	AuditLog     audit.Logger
	Logger       observability.Logger
}

// New creates a Guard from its dependencies.
func New(deps Deps) (*Guard, error) {
	if deps.Tokens == nil {
		return nil, errors.New("token manager is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("request validator is required")
	}

	g := &Guard{
		tokens:       deps.Tokens,
		sessions:     deps.Sessions,
		authz:        deps.Authorizer,
		limiter:      deps.Limiter,
		validator:    deps.Validator,
		queue:        deps.Queue,
		backpressure: deps.Backpressure,
		breakers:     deps.Breakers,
		auditLog:     deps.AuditLog,
		logger:       deps.Logger,
	}
	if g.authz == nil {
		g.authz = rbac.NewAuthorizer(deps.AuditLog)
	}
	if g.auditLog == nil {
		g.auditLog = audit.NopLogger()
	}
	if g.logger == nil {
		g.logger = observability.NopLogger()
	}
	return g, nil
}

// Evaluate runs the ordered decision chain: token validation, RBAC, IP
// block, rate limiting, then payload/header admission. The first stage to
// deny wins, and each security-relevant denial is audit-logged.
func (g *Guard) Evaluate(ctx context.Context, req *Request) *Decision {
	var subject string
	var roles []string

	if req.Token != "" {
		claims, err := g.tokens.Validate(ctx, req.Token, token.TypeAccess)
		if err != nil {
			g.auditLog.Log(ctx, audit.AuthenticationEvent(audit.ActionLoginFailure, audit.OutcomeFailure, "").
				WithOrigin(req.IP, req.UserAgent).
				WithDetail("endpoint", req.Endpoint))
			return deny(util.ErrorCode(err))
		}
		subject = claims.Subject
		roles = claims.Roles
	}

	if req.RequiredPermission != "" {
		if subject == "" {
			g.auditLog.Log(ctx, audit.SecurityEvent(audit.ActionUnauthorizedAccess, audit.OutcomeDenied, "",
				map[string]interface{}{"endpoint": req.Endpoint}).WithOrigin(req.IP, req.UserAgent))
			return deny(util.CodeUnauthorized)
		}
		if err := g.authz.Require(ctx, subject, roles, req.RequiredPermission); err != nil {
			return denyWith(subject, roles, util.CodeForbidden)
		}
	}

	if g.limiter.IsBlocked(ctx, req.IP) {
		g.auditLog.Log(ctx, audit.SecurityEvent(audit.ActionUnauthorizedAccess, audit.OutcomeDenied, subject,
			map[string]interface{}{"reason": "ip blocked", "endpoint": req.Endpoint}).
			WithOrigin(req.IP, req.UserAgent))
		return denyWith(subject, roles, util.CodeIPBlocked)
	}

	var rateErr error
	if subject != "" {
		rateErr = g.limiter.CheckSubject(ctx, subject, req.IP)
	} else {
		rateErr = g.limiter.CheckIP(ctx, req.IP)
	}
	if rateErr != nil {
		decision := denyWith(subject, roles, util.CodeRateLimited)
		if retryAfter, ok := util.RetryAfterHint(rateErr); ok {
			decision.RetryAfter = retryAfter
		}
		return decision
	}

	if err := g.validator.ValidatePayload(req.ContentType, req.ContentLength); err != nil {
		decision := denyWith(subject, roles, util.ErrorCode(err))
		return decision
	}

	clean, err := g.validator.SanitizeHeaders(req.Headers)
	if err != nil {
		return denyWith(subject, roles, util.ErrorCode(err))
	}

	if !g.validator.CanAcceptRequest() || g.isOverloaded() {
		return g.handleOverload(subject, roles, req)
	}

	decision := &Decision{
		Allowed:      true,
		Subject:      subject,
		Roles:        roles,
		CleanHeaders: clean,
	}
	return decision
}

// denyWith builds a denial carrying the resolved identity.
func denyWith(subject string, roles []string, code string) *Decision {
	return &Decision{Allowed: false, Code: code, Subject: subject, Roles: roles}
}

// isOverloaded consults the backpressure probe when one is configured.
func (g *Guard) isOverloaded() bool {
	if g.backpressure == nil {
		return false
	}
	return g.backpressure.IsOverloaded()
}

// handleOverload parks the request in the admission queue when possible,
// telling the caller to retry; a full queue rejects outright.
func (g *Guard) handleOverload(subject string, roles []string, req *Request) *Decision {
	if g.queue != nil {
		entry := &admission.Entry{ID: req.Endpoint}
		if err := g.queue.Enqueue(entry); err == nil {
			decision := denyWith(subject, roles, util.CodeQueued)
			decision.Queued = true
			return decision
		}
	}
	return denyWith(subject, roles, util.CodeOverloaded)
}

// Breakers exposes the circuit breaker registry so handlers can wrap
// dependency calls.
func (g *Guard) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Sessions exposes the session manager for login and CSRF flows.
func (g *Guard) Sessions() *session.Manager {
	return g.sessions
}

// Tokens exposes the token manager for login and refresh flows.
func (g *Guard) Tokens() *token.Manager {
	return g.tokens
}
