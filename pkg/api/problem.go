// Package api is the HTTP edge of the LRS: the middleware chain, the
// xAPI resource handlers, and RFC 7807 problem responses mapped from
// the error taxonomy.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// problemTypeBase prefixes taxonomy codes to form problem type URIs.
const problemTypeBase = "https://traceworks.io/openlrs/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Every error response the API emits uses this shape.
type ProblemDetail struct {
	// Type is a URI reference identifying the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path that produced the problem.
	Instance string `json:"instance,omitempty"`
	// RequestID links the response to the server-side log line.
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// writeError maps any error to its problem document. Taxonomy errors
// carry their own status and code; body-cap overruns map to 413;
// everything else is an internal fault whose cause is logged and never
// leaked.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	detail := "An unexpected error occurred."

	var maxErr *http.MaxBytesError
	var lrsErr *lrserr.Error
	switch {
	case errors.As(err, &maxErr):
		status = http.StatusRequestEntityTooLarge
		code = lrserr.CodeTooLarge
		detail = fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
	case errors.As(err, &lrsErr):
		status = lrsErr.HTTPStatus()
		code = lrsErr.Code
		switch lrsErr.Kind {
		case lrserr.KindInternal, lrserr.KindEncoding:
			detail = "An unexpected error occurred."
		case lrserr.KindUnavailable:
			detail = "The service is temporarily unavailable."
		default:
			detail = lrsErr.Detail
		}
	}

	if status >= http.StatusInternalServerError {
		s.Log.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", RequestIDFrom(r.Context()),
		)
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfter()))
	}

	s.writeProblem(w, r, status, code, detail)
}

func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	problem := &ProblemDetail{
		Type:      problemTypeBase + code,
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: RequestIDFrom(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// methodNotAllowed writes a 405 naming the methods the route supports.
func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	s.writeProblem(w, r, http.StatusMethodNotAllowed, "request/method-not-allowed",
		fmt.Sprintf("%s is not supported here; use %s", r.Method, strings.Join(allowed, ", ")))
}

// writeJSON marshals v and writes it with an explicit length. Write
// errors mean the client went away; there is nothing left to tell it.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, r, lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "encoding response"))
		return
	}
	s.writeJSONBytes(w, status, data)
}

func (s *Server) writeJSONBytes(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) retryAfter() int {
	if s.Config.RetryAfter > 0 {
		return s.Config.RetryAfter
	}
	return 1
}
