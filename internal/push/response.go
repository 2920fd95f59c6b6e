// Package push implements the HTTP ingress for inbound relay messages:
// a single authenticated POST endpoint guarded by rate limiting and
// concurrency caps, plus health and readiness probes.
package push

import (
	"encoding/json"
	"net/http"
)

// Error codes returned by the push server.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeBusy            = "BUSY"
	CodeShuttingDown    = "SHUTTING_DOWN"
	CodePushServerError = "PUSH_SERVER_ERROR"
)

// errorBody is the JSON shape of every push-server error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes v with the given status. Encoding failures are ignored:
// the header is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Code: code, Message: message, Details: details})
}
