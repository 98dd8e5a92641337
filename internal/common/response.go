package common

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// JSON writes v as the JSON response body.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders the error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeEnvelope(w, status, ErrorBody{Code: code, Message: message, Details: details})
}

// WriteError renders err through AsAppError and tags the envelope with the
// request id assigned by the router.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := AsAppError(err)
	body := ErrorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	if r != nil {
		body.RequestID = middleware.GetReqID(r.Context())
	}
	writeEnvelope(w, appErr.HTTPStatus, body)
}

func writeEnvelope(w http.ResponseWriter, status int, body ErrorBody) {
	JSON(w, status, map[string]any{"error": body})
}
