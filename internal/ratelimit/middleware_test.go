package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	now := time.Date(2026, 10, 19, 4, 0, 0, 0, time.UTC)
	limiter, _ := newLimiter(t, &now)
	limited := Handler{
		Limiter: limiter,
		Config:  Config{Key: ByClientIP("checkout"), Window: 10 * time.Second, Max: 1},
	}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", nil)
	req.RemoteAddr = "198.51.100.20:5000"

	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	now = now.Add(2500 * time.Millisecond)
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "8", rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")

	other := req.Clone(req.Context())
	other.RemoteAddr = "198.51.100.21:5000"
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, other)
	require.Equal(t, http.StatusOK, rr.Code, "budgets are per client")
}

func TestHandlerMiddlewareSkipsEmptyKey(t *testing.T) {
	limited := Handler{
		Config: Config{Key: func(*http.Request) string { return "" }, Window: time.Second, Max: 1},
	}.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestHandlerMiddlewareFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var seen error
	limited := Handler{
		Limiter: Limiter{Client: client, Prefix: "donasi:rl:"},
		Config:  Config{Key: func(*http.Request) string { return "callback" }, Window: time.Second, Max: 1},
		OnError: func(err error) { seen = err },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Error(t, seen)
}

func TestHandlerRejectHookReplacesEnvelope(t *testing.T) {
	now := time.Date(2026, 10, 19, 4, 0, 0, 0, time.UTC)
	limiter, _ := newLimiter(t, &now)
	limited := Handler{
		Limiter: limiter,
		Config:  Config{Key: ByClientIP("callback"), Window: time.Minute, Max: 1},
		Reject: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("0|ERROR"))
		},
	}.Middleware(okHandler())

	post := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", nil))
		return rr
	}
	require.Equal(t, http.StatusOK, post().Code)

	rr := post()
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "0|ERROR", rr.Body.String())
	require.Equal(t, "60", rr.Header().Get("Retry-After"))
}
