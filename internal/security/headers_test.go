package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serveHeaders(h Headers, req *http.Request) http.Header {
	rr := httptest.NewRecorder()
	h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)
	return rr.Result().Header
}

func TestHeadersHardenTLSResponses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://api.example.org/api/v1/payments/ABC/status", nil)
	req.TLS = &tls.ConnectionState{}

	headers := serveHeaders(Headers{HSTS: 365 * 24 * time.Hour, HSTSSubdomains: true}, req)

	require.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", headers.Get("X-Frame-Options"))
	require.Equal(t, apiCSP, headers.Get("Content-Security-Policy"))
	require.Equal(t, "max-age=31536000; includeSubDomains", headers.Get("Strict-Transport-Security"))
	require.Empty(t, headers.Get("Cache-Control"))
}

func TestHeadersNoStoreBehindProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://api.example.org/api/v1/payments/checkout", nil)
	req.Header.Set("X-Forwarded-Proto", "https")

	headers := serveHeaders(Headers{HSTS: time.Hour, NoStore: true}, req)

	require.Equal(t, "no-store", headers.Get("Cache-Control"))
	require.Equal(t, "max-age=3600", headers.Get("Strict-Transport-Security"))
}

func TestHeadersSkipHSTSOnPlainHTTP(t *testing.T) {
	headers := serveHeaders(Headers{HSTS: time.Hour, ContentSecurity: "default-src 'self'"}, httptest.NewRequest(http.MethodGet, "http://localhost/health/live", nil))

	require.Empty(t, headers.Get("Strict-Transport-Security"))
	require.Equal(t, "default-src 'self'", headers.Get("Content-Security-Policy"))
}
