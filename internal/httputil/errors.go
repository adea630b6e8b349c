package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string   `json:"message"`
	Type      string   `json:"type"`
	Code      string   `json:"code"`
	RequestID string   `json:"request_id,omitempty"`
	Details   []string `json:"details,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	writeError(w, statusCode, APIErrorBody{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	})
}

func writeError(w http.ResponseWriter, statusCode int, body APIErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", body.RequestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_api_key", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WritePermissionError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusForbidden, "permission_error", "model_not_allowed", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// WriteServiceUnavailableError writes a 503. details carries one line per failed provider.
func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string, details ...string) {
	writeError(w, http.StatusServiceUnavailable, APIErrorBody{
		Message:   message,
		Type:      "server_error",
		Code:      "service_unavailable",
		RequestID: requestID,
		Details:   details,
	})
}

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// WriteSSEError writes an in-band error frame followed by the stream terminator.
// Used once response headers have been committed.
func WriteSSEError(w http.ResponseWriter, errType, message string) {
	data, _ := json.Marshal(APIError{Error: APIErrorBody{Message: message, Type: errType}})
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteSSEUnavailable sends a 503 as an event stream for clients that asked to stream.
func WriteSSEUnavailable(w http.ResponseWriter, requestID, message string) {
	SetSSEHeaders(w)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusServiceUnavailable)
	WriteSSEError(w, "server_error", message)
}
