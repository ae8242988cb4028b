package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fiscalsim/guard/internal/circuitbreaker"
	"github.com/fiscalsim/guard/internal/util"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// CircuitBreaker returns a middleware that runs the handler through the
// named breaker. A 5xx response counts as a failure; an open circuit
// short-circuits with 503 and a Retry-After hint.
func CircuitBreaker(breakers *circuitbreaker.Registry, name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w}

			err := breakers.Call(r.Context(), name, func() error {
				next.ServeHTTP(recorder, r)
				if recorder.status >= http.StatusInternalServerError {
					return fmt.Errorf("upstream returned %d", recorder.status)
				}
				return nil
			})

			var openErr *util.CircuitOpenError
			if errors.As(err, &openErr) {
				writeDenial(w, util.CodeCircuitOpen, openErr.RetryAfter)
			}
		})
	}
}
