package middleware

import (
	"net/http"

	"github.com/fiscalsim/guard/internal/ratelimit"
	"github.com/fiscalsim/guard/internal/util"
)

// RateLimit returns a middleware that enforces the shared-store rate
// limits: per-subject when the request is authenticated, per-IP
// otherwise. Blocked IPs are rejected before any counting. It should run
// after Auth so the subject is available.
func RateLimit(limiter *ratelimit.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if limiter.IsBlocked(r.Context(), ip) {
				writeDenial(w, util.CodeIPBlocked, 0)
				return
			}

			var err error
			if subject := SubjectFromContext(r.Context()); subject != "" {
				err = limiter.CheckSubject(r.Context(), subject, ip)
			} else {
				err = limiter.CheckIP(r.Context(), ip)
			}
			if err != nil {
				retryAfter, _ := util.RetryAfterHint(err)
				writeDenial(w, util.CodeRateLimited, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
