// Package api provides the HTTP plumbing shared by bridge endpoints:
// RFC 7807 problem responses, idempotency stores, rate limiting, and
// channel authentication.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Stable error codes surfaced to callers. Internal detail never leaks.
const (
	CodeValidationFailure     = "validation-failure"
	CodePolicyDenial          = "policy-denial"
	CodeSignatureFailure      = "signature-failure"
	CodeExpired               = "expired"
	CodeDependencyUnavailable = "dependency-unavailable"
	CodeIntegrityFailure      = "integrity-failure"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All error responses from the bridge use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the stable machine-readable error kind.
	Code string `json:"code,omitempty"`
	// Errors carries field-level validation failures.
	Errors interface{} `json:"errors,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://aureus.dev/sentinel/errors/%d", p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteValidationFailure writes a 400 with field errors.
func WriteValidationFailure(w http.ResponseWriter, detail string, errs interface{}) {
	WriteProblem(w, &ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: detail,
		Code:   CodeValidationFailure,
		Errors: errs,
	})
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, &ProblemDetail{
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, &ProblemDetail{
		Title:  "Not Found",
		Status: http.StatusNotFound,
		Detail: detail,
	})
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteProblem(w, &ProblemDetail{
		Title:  "Method Not Allowed",
		Status: http.StatusMethodNotAllowed,
		Detail: "The HTTP method is not supported for this endpoint",
	})
}

// WriteIdempotencyConflict writes a 409 for a reused intent ID with a
// different body. The code is a validation failure: the second submission
// is malformed, not a replay.
func WriteIdempotencyConflict(w http.ResponseWriter, intentID string) {
	WriteProblem(w, &ProblemDetail{
		Title:  "Conflict",
		Status: http.StatusConflict,
		Detail: fmt.Sprintf("intent %q was already submitted with a different body", intentID),
		Code:   CodeValidationFailure,
	})
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, &ProblemDetail{
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

// WriteDependencyUnavailable writes a 503 with a Retry-After hint. Used when
// a circuit breaker is open or a dependency timed out.
func WriteDependencyUnavailable(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, &ProblemDetail{
		Title:  "Dependency Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: "A required dependency is unavailable. Retry after the specified interval.",
		Code:   CodeDependencyUnavailable,
	})
}

// WriteIntegrityFailure writes a 503 for a poisoned audit chain. The bridge
// refuses writes until an operator intervenes; detail stays internal.
func WriteIntegrityFailure(w http.ResponseWriter, err error) {
	slog.Error("audit integrity failure", "error", err)
	WriteProblem(w, &ProblemDetail{
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: "The service cannot accept writes at this time.",
		Code:   CodeIntegrityFailure,
	})
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteProblem(w, &ProblemDetail{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred. Please try again later.",
	})
}
