package middleware

import (
	"context"
	"net/http"

	"github.com/fiscalsim/guard/internal/token"
	"github.com/fiscalsim/guard/internal/util"
)

type identityKey string

const (
	subjectKey identityKey = "subject"
	rolesKey   identityKey = "roles"
)

// ContextWithIdentity adds the authenticated subject and roles to the
// context.
func ContextWithIdentity(ctx context.Context, subject string, roles []string) context.Context {
	ctx = context.WithValue(ctx, subjectKey, subject)
	return context.WithValue(ctx, rolesKey, roles)
}

// SubjectFromContext returns the authenticated subject, "" when anonymous.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectKey).(string); ok {
		return subject
	}
	return ""
}

// RolesFromContext returns the authenticated subject's roles.
func RolesFromContext(ctx context.Context) []string {
	if roles, ok := ctx.Value(rolesKey).([]string); ok {
		return roles
	}
	return nil
}

// Auth returns a middleware that validates the bearer token and stores
// the identity in the request context. Requests without a token pass
// through anonymously; requests with an invalid token are denied.
func Auth(tokens *token.Manager) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := tokens.Validate(r.Context(), raw, token.TypeAccess)
			if err != nil {
				code := util.ErrorCode(err)
				if code == "" {
					code = util.CodeUnauthorized
				}
				writeDenial(w, code, 0)
				return
			}

			ctx := ContextWithIdentity(r.Context(), claims.Subject, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth returns a middleware that rejects anonymous requests. It
// must run after Auth.
func RequireAuth() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SubjectFromContext(r.Context()) == "" {
				writeDenial(w, util.CodeUnauthorized, 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
