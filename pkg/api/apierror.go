// Package api — the minimal HTTP ingress: boot, record ingest and query,
// the timeline event stream, and health. Error responses follow RFC 7807.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/kernel"
	"github.com/loglineos/core/pkg/manifest"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/stage0"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://loglineos.dev/errors/%d", status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// statusFor maps the error taxonomy onto the HTTP status space: validation
// 400, authorization and integrity 403, not found 404, duplicate 409,
// configuration 503, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stage0.ErrValidation), errors.Is(err, record.ErrInvariant):
		return http.StatusBadRequest
	case errors.Is(err, stage0.ErrBootNotAllowed),
		errors.Is(err, registry.ErrVisibility),
		errors.Is(err, kernel.ErrTenantMismatch),
		errors.Is(err, crypto.ErrSignatureInvalid),
		errors.Is(err, crypto.ErrHashMismatch):
		return http.StatusForbidden
	case errors.Is(err, stage0.ErrFunctionNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, manifest.ErrUnavailable), errors.Is(err, manifest.ErrMisconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeTaxonomyError maps err through the taxonomy. In production the
// detail is redacted for 5xx responses.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail := err.Error()
	switch status {
	case http.StatusBadRequest:
		WriteBadRequest(w, detail)
	case http.StatusForbidden:
		WriteForbidden(w, detail)
	case http.StatusNotFound:
		WriteNotFound(w, detail)
	case http.StatusConflict:
		WriteConflict(w, detail)
	case http.StatusServiceUnavailable:
		if s.production {
			detail = "service temporarily unavailable"
		}
		WriteError(w, status, "Service Unavailable", detail)
	default:
		WriteInternal(w, err)
	}
}
