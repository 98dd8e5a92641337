package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/common"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(testSecret, "donasi", "donasi-admin")
	require.NoError(t, err)
	return tokens
}

// issue signs a token the way the platform's identity service does.
func issue(tokens *Tokens, subject string, roles ...string) (string, time.Time, error) {
	now := tokens.now()
	expiresAt := now.Add(time.Minute)
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expiresAt).
		Claim(rolesClaim, roles)
	if tokens.Validator.Issuer != "" {
		builder = builder.Issuer(tokens.Validator.Issuer)
	}
	if tokens.Validator.Audience != "" {
		builder = builder.Audience([]string{tokens.Validator.Audience})
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(tokens.algorithm(), tokens.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func TestParseRoundTrip(t *testing.T) {
	tokens := newTestTokens(t)
	raw, expiresAt, err := issue(tokens, "ops-1", "admin")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 2*time.Second)

	claims, err := tokens.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "ops-1", claims.Subject)
	require.True(t, claims.HasRole("admin"))
	require.False(t, claims.HasRole("finance"))
}

func TestParseRejectsForeignTokens(t *testing.T) {
	tokens := newTestTokens(t)

	other, err := NewTokens("ffffffffffffffffffffffffffffffff", "donasi", "donasi-admin")
	require.NoError(t, err)
	forged, _, err := issue(other, "ops-1", "admin")
	require.NoError(t, err)
	_, err = tokens.Parse(forged)
	require.Error(t, err)

	wrongAud, err := NewTokens(testSecret, "donasi", "someone-else")
	require.NoError(t, err)
	raw, _, err := issue(wrongAud, "ops-1")
	require.NoError(t, err)
	_, err = tokens.Parse(raw)
	require.Error(t, err)

	tok, err := jwt.NewBuilder().Subject("ops-1").Expiration(time.Now().Add(time.Minute)).Build()
	require.NoError(t, err)
	hs512, err := jwt.Sign(tok, jwt.WithKey(jwa.HS512, []byte(testSecret)))
	require.NoError(t, err)
	_, err = tokens.Parse(string(hs512))
	require.Error(t, err)

	_, err = tokens.Parse("")
	require.True(t, common.IsAppError(err))
}

func TestParseRejectsExpired(t *testing.T) {
	tokens := newTestTokens(t)
	raw, _, err := issue(tokens, "ops-1", "admin")
	require.NoError(t, err)

	tokens.Now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = tokens.Parse(raw)
	require.Error(t, err)
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens("short", "", "")
	require.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	tokens := newTestTokens(t)
	mw := Middleware{Tokens: tokens}
	handler := mw.RequireAuth(RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := common.UserID(r.Context())
		_, _ = w.Write([]byte(id))
	})))

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/x/mark-paid", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusUnauthorized, call("").Code)
	require.Equal(t, http.StatusUnauthorized, call("garbage").Code)

	viewer, _, err := issue(tokens, "viewer-1", "viewer")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, call(viewer).Code)

	admin, _, err := issue(tokens, "ops-1", "admin")
	require.NoError(t, err)
	rr := call(admin)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ops-1", rr.Body.String())
}
