package security

import (
	"net/http"
	"strconv"
	"time"
)

// apiCSP forbids every fetch and framing. Responses are JSON only; the
// checkout form is posted by the donor-facing frontend.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// Headers sets response hardening headers for the payment API.
type Headers struct {
	// HSTS is the Strict-Transport-Security max-age; zero leaves it unset.
	HSTS            time.Duration
	HSTSSubdomains  bool
	NoStore         bool
	ContentSecurity string
}

// Middleware applies the headers before next runs.
func (h Headers) Middleware(next http.Handler) http.Handler {
	csp := h.ContentSecurity
	if csp == "" {
		csp = apiCSP
	}
	hsts := ""
	if h.HSTS > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(h.HSTS/time.Second), 10)
		if h.HSTSSubdomains {
			hsts += "; includeSubDomains"
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Content-Security-Policy", csp)
		headers.Set("Cross-Origin-Resource-Policy", "same-site")
		if h.NoStore {
			headers.Set("Cache-Control", "no-store")
		}
		if hsts != "" && isHTTPS(r) {
			headers.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
