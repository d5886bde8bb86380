// Package lrserr defines the canonical error taxonomy for the LRS.
//
// Every layer below the HTTP edge returns *Error values (or wraps them);
// the edge maps Kind to a status code and a problem document. Raw driver
// and library errors never cross the edge unclassified.
package lrserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the taxonomy bucket that decides its
// observable HTTP behavior.
type Kind int

const (
	// KindInternal covers bugs and unclassified failures.
	KindInternal Kind = iota
	// KindValidation covers malformed or semantically invalid input.
	KindValidation
	// KindUnauthorized covers missing or unverifiable credentials.
	KindUnauthorized
	// KindForbidden covers authenticated but disallowed access.
	KindForbidden
	// KindNotFound covers absent statements, activities, and documents.
	KindNotFound
	// KindConflict covers identity collisions and unsafe overwrites.
	KindConflict
	// KindPrecondition covers failed If-Match / If-None-Match guards.
	KindPrecondition
	// KindTooLarge covers bodies over the configured cap.
	KindTooLarge
	// KindTooMany covers rate-limit rejections.
	KindTooMany
	// KindUnavailable covers storage outages and pool-acquisition timeouts.
	KindUnavailable
	// KindEncoding covers canonicalization and serialization faults.
	KindEncoding
)

// Canonical error codes. Codes are stable identifiers for operators and
// conformance suites; Detail strings are for humans and may change.
const (
	CodeBadStatement      = "statement/invalid"
	CodeBadParam          = "request/bad-parameter"
	CodeBadDocument       = "document/invalid"
	CodeBadCursor         = "query/bad-cursor"
	CodeBadSignature      = "signature/invalid"
	CodeIDMismatch        = "statement/id-mismatch"
	CodeIDReuse           = "statement/id-reuse"
	CodeDuplicateContent  = "statement/duplicate-divergent"
	CodeVoidUnknown       = "voiding/unknown-target"
	CodeVoidVoiding       = "voiding/target-is-voiding"
	CodeAttachmentOrphan  = "attachment/orphan-part"
	CodeAttachmentMissing = "attachment/missing-part"
	CodeAttachmentDigest  = "attachment/digest-mismatch"
	CodeAttachmentDup     = "attachment/duplicate-part"
	CodeBadMultipart      = "request/bad-multipart"
	CodeDocOverwrite      = "document/unguarded-overwrite"
	CodeNoCredentials     = "auth/no-credentials"
	CodeBadCredentials    = "auth/bad-credentials"
	CodeDisabled          = "auth/credential-disabled"
	CodeNotFound          = "resource/not-found"
	CodePrecondition      = "request/precondition-failed"
	CodeTooLarge          = "request/body-too-large"
	CodeTooMany           = "request/rate-limited"
	CodeStorage           = "storage/unavailable"
	CodeEncoding          = "encoding/internal"
)

// Error is the canonical error value carried through the LRS.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code the taxonomy assigns to the Kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPrecondition:
		return http.StatusPreconditionFailed
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTooMany:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds a taxonomy error with a formatted detail message.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a taxonomy error.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for the most common kind.
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// Conflictf builds a KindConflict error.
func Conflictf(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// KindOf extracts the taxonomy Kind from any error chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusOf maps any error chain to its HTTP status.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
