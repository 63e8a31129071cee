// Package core implements the memory engine: CRUD orchestration, sector
// classification, hybrid retrieval and streaming queries.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the service-wide taxonomy. Transports map a
// Kind to a status code; callers decide retries on it.
type Kind int

const (
	// KindInternal is a programmer error or an unmapped failure.
	KindInternal Kind = iota

	// KindNotFound means the resource is absent.
	KindNotFound

	// KindValidation means the input was rejected.
	KindValidation

	// KindUnauthorized means the caller presented no valid credential.
	KindUnauthorized

	// KindForbidden means the credential lacks the required scope.
	KindForbidden

	// KindConflict is a constraint violation (duplicate fact, duplicate hash).
	KindConflict

	// KindTenantScope is a strict-tenancy violation.
	KindTenantScope

	// KindUnsupportedContentType rejects an ingest payload type.
	KindUnsupportedContentType

	// KindFileTooLarge rejects an oversized ingest payload.
	KindFileTooLarge

	// KindRateLimited means the fixed-window budget is exhausted.
	KindRateLimited

	// KindTimeout means a deadline expired.
	KindTimeout

	// KindDependencyUnavailable means a remote collaborator is down.
	KindDependencyUnavailable
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = &Error{Kind: KindNotFound, Err: errors.New("not found")}

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = &Error{Kind: KindValidation, Err: errors.New("invalid input")}

	// ErrConflict indicates a uniqueness or constraint violation.
	ErrConflict = &Error{Kind: KindConflict, Err: errors.New("conflict")}

	// ErrTenantScope indicates a user-scoped statement without a user_id
	// while strict tenancy is enabled.
	ErrTenantScope = &Error{Kind: KindTenantScope, Err: errors.New("statement requires a user_id in strict tenant mode")}

	// ErrUnsupportedContentType indicates an ingest payload the extractor
	// cannot handle.
	ErrUnsupportedContentType = &Error{Kind: KindUnsupportedContentType, Err: errors.New("unsupported content type")}

	// ErrFileTooLarge indicates an ingest payload above MAX_PAYLOAD_SIZE.
	ErrFileTooLarge = &Error{Kind: KindFileTooLarge, Err: errors.New("file too large")}

	// ErrRateLimited indicates the caller exceeded the window budget.
	ErrRateLimited = &Error{Kind: KindRateLimited, Err: errors.New("rate limited")}

	// ErrTimeout indicates a deadline expired before completion.
	ErrTimeout = &Error{Kind: KindTimeout, Err: errors.New("deadline expired")}

	// ErrDependencyUnavailable indicates a remote embedding or summarization
	// collaborator is unreachable.
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable, Err: errors.New("dependency unavailable")}
)

// Error wraps a failure with the operation that produced it and its Kind.
//
// The message format is "openmemory: <Op>: <Err>".
type Error struct {
	// Op is the name of the operation that failed.
	Op string

	// Kind classifies the failure.
	Kind Kind

	// Err is the underlying error.
	Err error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("openmemory: %v", e.Err)
	}
	return fmt.Sprintf("openmemory: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two taxonomy errors by Kind so sentinel comparisons work across
// wrapping: errors.Is(err, core.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// E wraps err with an operation name, preserving an existing Kind. A nil err
// returns nil so call sites can wrap unconditionally.
func E(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Op: op, Kind: ce.Kind, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	}
	return &Error{Op: op, Kind: KindInternal, Err: err}
}

// EK wraps err with an operation name and an explicit Kind.
func EK(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Code returns the wire code carried in the error envelope.
func Code(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindTenantScope:
		return "tenant_scope_violation"
	case KindUnsupportedContentType:
		return "unsupported_media_type"
	case KindFileTooLarge:
		return "file_too_large"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error Kind to the response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindTenantScope:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
