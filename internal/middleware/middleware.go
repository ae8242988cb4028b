// Package middleware provides net/http adapters around the protection
// components for the web layer.
package middleware

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fiscalsim/guard/internal/util"
)

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"

	// HeaderAuthorization is the Authorization header name.
	HeaderAuthorization = "Authorization"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middleware in registration order: the first middleware
// added is the outermost wrapper.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates an empty middleware chain.
func NewChain() *Chain {
	return &Chain{}
}

// Use appends middleware to the chain.
func (c *Chain) Use(m ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, m...)
	return c
}

// Build wraps the final handler with the chain.
func (c *Chain) Build(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}
	return handler
}

// statusForCode maps a denial code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case util.CodeUnauthorized, util.CodeTokenExpired:
		return http.StatusUnauthorized
	case util.CodeForbidden, util.CodeIPBlocked:
		return http.StatusForbidden
	case util.CodeRateLimited:
		return http.StatusTooManyRequests
	case util.CodeInvalidRequest:
		return http.StatusBadRequest
	case util.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case util.CodeCircuitOpen, util.CodeOverloaded, util.CodeQueued:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDenial writes a JSON denial body with the matching status, setting
// Retry-After when a hint is available.
func writeDenial(w http.ResponseWriter, code string, retryAfter time.Duration) {
	if retryAfter > 0 {
		seconds := int(retryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(seconds))
	}
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(statusForCode(code))
	_, _ = io.WriteString(w, `{"error":"`+code+`"}`)
}

// clientIP returns the request's remote IP with the port stripped.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the bearer token from the Authorization header,
// returning "" for anonymous requests.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get(HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
