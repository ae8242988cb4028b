package middleware

import (
	"net/http"

	"github.com/fiscalsim/guard/internal/guard"
	"github.com/fiscalsim/guard/internal/rbac"
)

// Protect returns a middleware that runs the full evaluation chain for an
// endpoint. The decision's identity and sanitized headers are applied to
// the request before it reaches the handler.
func Protect(g *guard.Guard, endpoint string, permission rbac.Permission) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers := make(map[string]string, len(r.Header))
			for name := range r.Header {
				headers[name] = r.Header.Get(name)
			}

			decision := g.Evaluate(r.Context(), &guard.Request{
				Token:              bearerToken(r),
				IP:                 clientIP(r),
				UserAgent:          r.UserAgent(),
				Endpoint:           endpoint,
				RequiredPermission: permission,
				ContentType:        r.Header.Get(HeaderContentType),
				ContentLength:      r.ContentLength,
				Headers:            headers,
			})

			if !decision.Allowed {
				writeDenial(w, decision.Code, decision.RetryAfter)
				return
			}

			for name := range headers {
				if _, kept := decision.CleanHeaders[name]; !kept {
					r.Header.Del(name)
				}
			}

			ctx := ContextWithIdentity(r.Context(), decision.Subject, decision.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
