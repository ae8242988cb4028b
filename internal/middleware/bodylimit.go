package middleware

import (
	"io"
	"net/http"

	"github.com/fiscalsim/guard/internal/admission"
	"github.com/fiscalsim/guard/internal/util"
)

// BodyLimit returns a middleware that enforces the content-type allow
// list and per-type body size ceilings. The declared Content-Length is
// checked first for early rejection; the body is additionally wrapped so
// a lying client cannot stream past the ceiling.
func BodyLimit(validator *admission.Validator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get(HeaderContentType)

			if err := validator.ValidatePayload(contentType, r.ContentLength); err != nil {
				code := util.ErrorCode(err)
				if code == "" {
					code = util.CodeInvalidRequest
				}
				writeDenial(w, code, 0)
				return
			}

			if ceiling, ok := validator.PayloadCeiling(contentType); ok && r.Body != nil {
				r.Body = &limitedReadCloser{ReadCloser: r.Body, remaining: ceiling}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser wraps an io.ReadCloser and caps the number of bytes
// that can be read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, &util.ValidationError{
			Code:    util.CodePayloadTooLarge,
			Field:   "body",
			Message: "request body exceeds limit",
		}
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	return n, err
}
