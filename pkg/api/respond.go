// Package api carries the JSON response envelope and the HTTP middleware
// shared by the public, webhook, and admin surfaces.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorBody is the stable error envelope. Error carries a machine-readable
// reason code; Type and RetryAfterSeconds are set on rate-limit rejections
// only.
type ErrorBody struct {
	Error             string `json:"error"`
	Status            int    `json:"status"`
	RequestID         string `json:"requestId,omitempty"`
	Type              string `json:"type,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope with the request ID from context.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteJSON(w, status, ErrorBody{
		Error:     code,
		Status:    status,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// WriteBadRequest writes a 400 with a stable reason code.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, code string) {
	WriteError(w, r, http.StatusBadRequest, code)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusUnauthorized, "unauthorized")
}

// WriteForbidden writes a 403 with a stable reason code.
func WriteForbidden(w http.ResponseWriter, r *http.Request, code string) {
	WriteError(w, r, http.StatusForbidden, code)
}

// WriteNotFound writes a 404 with a stable reason code.
func WriteNotFound(w http.ResponseWriter, r *http.Request, code string) {
	WriteError(w, r, http.StatusNotFound, code)
}

// WriteTooManyRequests writes the 429 envelope. kind distinguishes which
// guard denied the request (ip, subject, or velocity) and retryAfterSeconds
// is exposed both in the body and the Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, kind string, retryAfterSeconds int64) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	WriteJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:             "rate_limited",
		Status:            http.StatusTooManyRequests,
		RequestID:         RequestIDFromContext(r.Context()),
		Type:              kind,
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// WriteInternal writes a 500 "internal_error". The cause is logged with the
// request ID and never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "api: internal error",
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	WriteError(w, r, http.StatusInternalServerError, "internal_error")
}
