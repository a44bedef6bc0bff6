// Package errors provides the error body format and response helpers for the API.
package errors

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Detail categories written by the HTTP layer itself. The gateway's own
// categories live in package gateway.
const (
	DetailInternalError    = "internal_error"
	DetailNotFound         = "not_found"
	DetailMethodNotAllowed = "method_not_allowed"
)

// Problem is the only error body the gateway returns: a coarse category with
// no request-derived text.
type Problem struct {
	Detail string `json:"detail"`
}

// WriteJSON writes a JSON response with the given status code. Responses are
// never cacheable since they may carry secrets.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteRaw writes an already encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteDetail writes {"detail": detail} with status.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, Problem{Detail: detail})
}

// NotFound is a chi NotFound handler.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	WriteDetail(w, http.StatusNotFound, DetailNotFound)
}

// MethodNotAllowed is a chi MethodNotAllowed handler.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteDetail(w, http.StatusMethodNotAllowed, DetailMethodNotAllowed)
}

// GetStackTrace returns the current stack trace as a string.
func GetStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrorLogEntry represents a structured error log entry.
type ErrorLogEntry struct {
	CorrelationID string `json:"correlation_id"`
	Detail        string `json:"detail"`
	Message       string `json:"message"`
	StackTrace    string `json:"stack_trace"`
}

// NewErrorLogEntry creates a new error log entry with all required fields.
func NewErrorLogEntry(correlationID, detail, message string) *ErrorLogEntry {
	return &ErrorLogEntry{
		CorrelationID: correlationID,
		Detail:        detail,
		Message:       message,
		StackTrace:    GetStackTrace(),
	}
}

// ToSlogAttrs returns the error log entry as slog attributes for structured logging.
func (e *ErrorLogEntry) ToSlogAttrs() []any {
	return []any{
		"correlation_id", e.CorrelationID,
		"detail", e.Detail,
		"message", e.Message,
		"stack_trace", e.StackTrace,
	}
}
