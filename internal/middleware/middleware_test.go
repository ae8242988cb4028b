package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/admission"
	"github.com/fiscalsim/guard/internal/circuitbreaker"
	"github.com/fiscalsim/guard/internal/guard"
	"github.com/fiscalsim/guard/internal/ratelimit"
	"github.com/fiscalsim/guard/internal/rbac"
	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/token"
)

var testSecret = []byte("test-signing-secret-0123456789ab")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newTokens(t *testing.T) *token.Manager {
	t.Helper()
	tokens, err := token.NewManager(testSecret, nil)
	require.NoError(t, err)
	return tokens
}

func issueToken(t *testing.T, tokens *token.Manager, subject string, roles []string) string {
	t.Helper()
	raw, err := tokens.IssueAccessToken(context.Background(), subject, subject+"@example.com", roles,
		token.Origin{IP: "10.0.0.1"})
	require.NoError(t, err)
	return raw
}

func TestChainExecutionOrder(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := NewChain().Use(tag("outer"), tag("inner")).Build(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	t.Parallel()

	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(HeaderXRequestID)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderXRequestID))

	// An inbound ID is preserved.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "req-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderXRequestID))
	assert.Equal(t, "req-42", seen)
}

func TestRecoveryReturns500(t *testing.T) {
	t.Parallel()

	handler := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestAuthPassesAnonymousThrough(t *testing.T) {
	t.Parallel()

	handler := Auth(newTokens(t))(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	handler := Auth(newTokens(t))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAuthorization, "Bearer not-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestAuthStoresIdentityInContext(t *testing.T) {
	t.Parallel()

	tokens := newTokens(t)
	raw := issueToken(t, tokens, "user-1", []string{"analyst"})

	var subject string
	var roles []string
	handler := Auth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		roles = RolesFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", subject)
	assert.Equal(t, []string{"analyst"}, roles)
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	t.Parallel()

	handler := RequireAuth()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	t.Parallel()

	shared := store.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })

	config := ratelimit.DefaultConfig()
	config.IPLimit = 1
	handler := RateLimit(ratelimit.New(shared, config))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4567"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRetryAfter))
}

func TestRateLimitRejectsBlockedIP(t *testing.T) {
	t.Parallel()

	shared := store.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })

	require.NoError(t, shared.Set(context.Background(), "blocked:10.0.0.9", 1, time.Minute))

	handler := RateLimit(ratelimit.New(shared, nil))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4567"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"ip_blocked"}`, rec.Body.String())
}

func TestBodyLimitRejectsUnsupportedType(t *testing.T) {
	t.Parallel()

	handler := BodyLimit(admission.NewValidator(nil, nil, nil))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderContentType, "application/octet-stream")
	req.ContentLength = 100
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyLimitRejectsOversizedDeclaredLength(t *testing.T) {
	t.Parallel()

	handler := BodyLimit(admission.NewValidator(nil, nil, nil))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderContentType, ContentTypeJSON)
	req.ContentLength = 100 << 20
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	registry := circuitbreaker.NewRegistry(
		circuitbreaker.DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Minute))

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	handler := CircuitBreaker(registry, "simulation")(failing)

	// Failures up to and past the threshold.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	// The open circuit short-circuits without reaching the handler.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRetryAfter))
}

func TestProtectAllowsAndAppliesIdentity(t *testing.T) {
	t.Parallel()

	shared := store.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })

	tokens := newTokens(t)
	g, err := guard.New(guard.Deps{
		Tokens:    tokens,
		Limiter:   ratelimit.New(shared, nil),
		Validator: admission.NewValidator(nil, nil, nil),
	})
	require.NoError(t, err)

	var subject string
	var forwardedHost string
	handler := Protect(g, "run-simulation", rbac.PermRunSimulation)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject = SubjectFromContext(r.Context())
			forwardedHost = r.Header.Get("X-Forwarded-Host")
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4567"
	req.Header.Set(HeaderAuthorization, "Bearer "+issueToken(t, tokens, "user-1", []string{"analyst"}))
	req.Header.Set("X-Forwarded-Host", "evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", subject)
	assert.Empty(t, forwardedHost)
}

func TestProtectDeniesMissingPermission(t *testing.T) {
	t.Parallel()

	shared := store.NewMemoryStore()
	t.Cleanup(func() { shared.Close() })

	tokens := newTokens(t)
	g, err := guard.New(guard.Deps{
		Tokens:    tokens,
		Limiter:   ratelimit.New(shared, nil),
		Validator: admission.NewValidator(nil, nil, nil),
	})
	require.NoError(t, err)

	handler := Protect(g, "manage-users", rbac.PermManageUsers)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4567"
	req.Header.Set(HeaderAuthorization, "Bearer "+issueToken(t, tokens, "user-1", []string{"readonly"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
}
