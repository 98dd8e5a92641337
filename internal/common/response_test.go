package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorRendersAppError(t *testing.T) {
	var rec *httptest.ResponseRecorder
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec = httptest.NewRecorder()
		err := NewAppError("NOT_FOUND", "order not found", http.StatusNotFound, errors.New("no rows"))
		WriteError(rec, r, err)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body.Error.Code)
	require.Equal(t, "order not found", body.Error.Message)
	require.NotEmpty(t, body.Error.RequestID)
	require.NotContains(t, rec.Body.String(), "no rows")
}

func TestWriteErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dial tcp: refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"INTERNAL"`)
	require.NotContains(t, rec.Body.String(), "refused")
}

func TestFingerprintSeparatesParts(t *testing.T) {
	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	require.Equal(t, Fingerprint("POST", "/x", "k"), Fingerprint("POST", "/x", "k"))
	require.Len(t, Fingerprint(), 64)
}
