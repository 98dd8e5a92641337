package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/donasi-payments/internal/common"
)

// Config binds a key function to a budget of Max requests per Window.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces a Config on the routes it wraps. Requests whose key is
// empty pass through unmetered, and so does everything while Redis is
// unreachable; OnError sees the failure.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
	// Reject replaces the 429 JSON envelope for callers that expect another
	// response shape. Rate limit headers are already set when it runs.
	Reject http.HandlerFunc
}

// Middleware answers 429 RATE_LIMITED once the key's budget is spent.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if h.Config.Key != nil {
			key = h.Config.Key(r)
		}
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}
		wait := resetAt.Sub(h.Limiter.now())
		headers.Set("Retry-After", strconv.Itoa(int(math.Ceil(max(wait, 0).Seconds()))))
		if h.Reject != nil {
			h.Reject(w, r)
			return
		}
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
	})
}

// ByClientIP keys requests by the client address.
func ByClientIP(scope string) func(*http.Request) string {
	return func(r *http.Request) string {
		return scope + ":ip:" + common.ClientIP(r)
	}
}

// ByURLParam keys requests by a chi route parameter, e.g. the order being
// resubmitted. Requests without the parameter are not limited.
func ByURLParam(scope, param string) func(*http.Request) string {
	return func(r *http.Request) string {
		v := strings.TrimSpace(chi.URLParam(r, param))
		if v == "" {
			return ""
		}
		return scope + ":" + param + ":" + v
	}
}
