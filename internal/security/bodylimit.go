package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/noah-isme/donasi-payments/internal/common"
)

// BodyLimit enforces a maximum request payload size.
type BodyLimit struct {
	Max int64
	// Form overrides Max for application/x-www-form-urlencoded bodies such as
	// gateway callbacks.
	Form int64
	// Reject replaces the JSON error envelope; status is 413 or 400.
	Reject func(w http.ResponseWriter, r *http.Request, status int)
}

// Middleware rejects requests exceeding the configured limit with HTTP 413.
// The body is buffered so handlers may read it more than once.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := b.limitFor(r)
		if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > limit {
			b.reject(w, r, http.StatusRequestEntityTooLarge)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil && !errors.Is(err, io.EOF) {
			b.reject(w, r, http.StatusBadRequest)
			return
		}
		if int64(len(buf)) > limit {
			b.reject(w, r, http.StatusRequestEntityTooLarge)
			return
		}
		_ = r.Body.Close()

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func (b BodyLimit) limitFor(r *http.Request) int64 {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if b.Form > 0 && strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return b.Form
	}
	return b.Max
}

func (b BodyLimit) reject(w http.ResponseWriter, r *http.Request, status int) {
	if b.Reject != nil {
		b.Reject(w, r, status)
		return
	}
	WriteBodyRejection(w, status)
}

// WriteBodyRejection writes the default JSON envelope for a rejected body.
func WriteBodyRejection(w http.ResponseWriter, status int) {
	if status == http.StatusRequestEntityTooLarge {
		common.JSONError(w, status, "PAYLOAD_TOO_LARGE", "request entity too large", nil)
		return
	}
	common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
}
