// Package api — RFC 7807 Problem Detail error responses for the tollgate API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tollgate/pkg/errs"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format, extended with the stable
// machine-readable Code from pkg/errs.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Code is the stable machine-readable error code.
	Code errs.Code `json:"code,omitempty"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id for this occurrence.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(code errs.Code) string {
	if code == "" {
		return "https://tollgate.mindburn.dev/errors/UNKNOWN"
	}
	return fmt.Sprintf("https://tollgate.mindburn.dev/errors/%s", code)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteCode writes a problem response for a coded error class.
func WriteCode(w http.ResponseWriter, r *http.Request, code errs.Code, detail string) {
	status := errs.HTTPStatus(code)
	p := &ProblemDetail{
		Type:   problemType(code),
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	writeProblem(w, p)
}

// WriteErr writes a problem response derived from err. Coded errors keep
// their code and message; anything else becomes an opaque 500.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	if code == errs.CodeInternal {
		WriteInternal(w, r, err)
		return
	}
	detail := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		detail = e.Message
	}
	WriteCode(w, r, code, detail)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteCode(w, r, errs.CodeValidation, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteCode(w, r, errs.CodeAuthMissing, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteCode(w, r, errs.CodeAgentDisabled, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteCode(w, r, errs.CodeNotFound, detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, &ProblemDetail{
		Type:   "https://tollgate.mindburn.dev/errors/RATE_LIMITED",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	status := http.StatusInternalServerError
	p := &ProblemDetail{
		Type:   problemType(errs.CodeInternal),
		Title:  http.StatusText(status),
		Status: status,
		Code:   errs.CodeInternal,
		Detail: "An unexpected error occurred. Please try again later.",
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	writeProblem(w, p)
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
