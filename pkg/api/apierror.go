// Package api holds the HTTP plumbing shared by the Pathwell services:
// the error response format, JSON responders and common middleware.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Machine-readable error codes surfaced to callers. Codes are stable; the
// accompanying message is free-form.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeNotFound              = "not_found"
	CodeConflict              = "conflict"
	CodeForbidden             = "forbidden"
	CodeMethodNotAllowed      = "method_not_allowed"
	CodeBadGateway            = "bad_gateway"
	CodeDatabaseError         = "database_error"
	CodeStorageError          = "storage_error"
	CodeQueryError            = "query_error"
	CodeCertificateError      = "certificate_error"
	CodePolicyEvaluationError = "policy_evaluation_error"
	CodeDatabaseUnavailable   = "database_unavailable"
)

// ErrorBody is the JSON error envelope returned by every Pathwell API.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorBody{Code: code, Message: message})
}

// WriteBadRequest writes a 400 invalid_request response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidRequest, message)
}

// WriteNotFound writes a 404 not_found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteConflict writes a 409 conflict response.
func WriteConflict(w http.ResponseWriter, code, message string) {
	if code == "" {
		code = CodeConflict
	}
	WriteError(w, http.StatusConflict, code, message)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "The HTTP method is not supported for this endpoint")
}

// WriteServiceUnavailable writes a 503 response. Used when the store is
// configured without a database.
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeDatabaseUnavailable, message)
}

// WriteInternal writes a 500 response with the given machine code. The
// underlying error is logged, never exposed to the client.
func WriteInternal(w http.ResponseWriter, code string, err error) {
	slog.Error("internal server error", "code", code, "error", err)
	WriteError(w, http.StatusInternalServerError, code, "An unexpected error occurred")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body, rejecting unknown behaviour uniformly.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
