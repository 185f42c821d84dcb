package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the categories the HTTP layer and the
// resilience paths care about. Every kind maps to exactly one HTTP status
// and one stable machine code.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindRateLimited
	KindKVUnavailable
	KindStorageTransient
	KindStorageFatal
	KindConflict
	KindNotFound
)

var kindStatuses = map[Kind]int{
	KindInternal:         http.StatusInternalServerError,
	KindValidation:       http.StatusBadRequest,
	KindUnauthenticated:  http.StatusUnauthorized,
	KindForbidden:        http.StatusForbidden,
	KindRateLimited:      http.StatusTooManyRequests,
	KindKVUnavailable:    http.StatusServiceUnavailable,
	KindStorageTransient: http.StatusServiceUnavailable,
	KindStorageFatal:     http.StatusInternalServerError,
	KindConflict:         http.StatusConflict,
	KindNotFound:         http.StatusNotFound,
}

var kindCodes = map[Kind]string{
	KindInternal:         "INTERNAL",
	KindValidation:       "VALIDATION_FAILED",
	KindUnauthenticated:  "UNAUTHENTICATED",
	KindForbidden:        "FORBIDDEN",
	KindRateLimited:      "RATE_LIMIT_EXCEEDED",
	KindKVUnavailable:    "KV_UNAVAILABLE",
	KindStorageTransient: "STORAGE_TRANSIENT",
	KindStorageFatal:     "STORAGE_FATAL",
	KindConflict:         "CONFLICT",
	KindNotFound:         "NOT_FOUND",
}

func (k Kind) HTTPStatus() int {
	if status, ok := kindStatuses[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "INTERNAL"
}

// Error carries a Kind alongside the wrapped cause. The message is safe to
// surface to API clients; the cause is for logs only.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the client-safe message without the wrapped cause.
func (e *Error) Message() string {
	return e.msg
}

// KindOf extracts the Kind from an error chain; unclassified errors are
// internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind == kind
	}
	return false
}

// Codes attached to oops error builders by the platform packages.
const (
	ECONFIG string = "ECONFIG"
	EINIT   string = "EINIT"
	ENOENT  string = "ENOENT"
)
