package proxy

import (
	"encoding/json"
	"net/http"
)

// Error types surfaced to callers. Stable strings: clients match on them.
const (
	errTypeAuthentication = "authentication_error"
	errTypeValidation     = "invalid_request_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeUpstream       = "api_error"
)

// writeError writes the structured JSON error body. No stack traces, no
// credential material, just a stable type and a human-readable message.
func writeError(w http.ResponseWriter, status int, errType, msg, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(headerRequestID, requestID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

// writeAuthError writes a 401 with the WWW-Authenticate hint.
func writeAuthError(w http.ResponseWriter, msg, requestID string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errTypeAuthentication, msg, requestID)
}
