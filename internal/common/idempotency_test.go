package common_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/common"
)

func TestIdemRejectsReplayAndReleasesOnServerError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	status := http.StatusOK
	handler := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	send := func(path, key string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", key)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, send("/api/v1/payments/checkout", "k1"))
	require.Equal(t, http.StatusConflict, send("/api/v1/payments/checkout", "k1"))
	// same key on another route is independent
	require.Equal(t, http.StatusOK, send("/api/v1/orders/x/resubmission", "k1"))

	status = http.StatusInternalServerError
	require.Equal(t, http.StatusInternalServerError, send("/api/v1/payments/checkout", "k2"))
	status = http.StatusOK
	require.Equal(t, http.StatusOK, send("/api/v1/payments/checkout", "k2"))
}

func TestIdemWithoutHeaderPassesThrough(t *testing.T) {
	calls := 0
	handler := common.Idem{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	}
	require.Equal(t, 2, calls)
}
