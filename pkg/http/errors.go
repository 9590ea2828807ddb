package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the standard API error shape.
type ErrorResponse struct {
	Error             string `json:"error"`             // machine-readable code
	Message           string `json:"message"`           // human-readable message
	Details           string `json:"details,omitempty"` // optional context
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response with additional context.
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

// WriteTooManyRequests writes a 429 with a Retry-After header when the wait
// is known (retryAfter > 0).
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	resp := ErrorResponse{Error: "rate_limit_exceeded", Message: message}
	if retryAfter > 0 {
		seconds := int(retryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		resp.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	WriteJSON(w, http.StatusTooManyRequests, resp)
}

// WriteLocked writes a 423 for accounts under MFA lockout.
func WriteLocked(w http.ResponseWriter, message string, until time.Time) {
	resp := ErrorResponse{Error: "locked", Message: message}
	if !until.IsZero() {
		seconds := int(time.Until(until).Round(time.Second) / time.Second)
		if seconds > 0 {
			resp.RetryAfterSeconds = seconds
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	WriteJSON(w, http.StatusLocked, resp)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}
