// Package httpx holds the JSON response helpers shared by the controller
// API handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes v with a 200 status.
func WriteJSON(w http.ResponseWriter, v any) {
	WriteJSONStatus(w, http.StatusOK, v)
}

func WriteJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the consistent error envelope:
// {"error": {"code":"...","message":"..."}}
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSONStatus(w, statusCode, map[string]any{
		"error": ErrorPayload{Code: http.StatusText(statusCode), Message: message},
	})
}

// WriteTypedError writes an error with a stable machine-readable code.
func WriteTypedError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSONStatus(w, statusCode, map[string]any{
		"error": ErrorPayload{Code: code, Message: message},
	})
}
