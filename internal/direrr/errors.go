// Package direrr defines the error taxonomy shared by every component of
// the directory manager. Errors carry a Kind so transport layers can map
// them to status codes without inspecting message text.
package direrr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	// KindConfigInvalid marks configuration errors; fatal at startup.
	KindConfigInvalid Kind = "CONFIG_INVALID"

	// Wire-level kinds.
	KindBindFailed Kind = "LDAP_BIND_FAILED"
	KindIOFailed   Kind = "LDAP_IO_FAILED"
	KindNotFound   Kind = "LDAP_NOT_FOUND"
	KindConstraint Kind = "LDAP_CONSTRAINT"

	// Schema validation kinds.
	KindUnknownAttr     Kind = "SCHEMA_UNKNOWN_ATTR"
	KindRequiredMissing Kind = "SCHEMA_REQUIRED_MISSING"
	KindTestFailed      Kind = "SCHEMA_TEST_FAILED"
	KindFixedMismatch   Kind = "FIXED_MISMATCH"
	KindFixedImmutable  Kind = "FIXED_IMMUTABLE"
	KindPointerDangling Kind = "POINTER_DANGLING"
	KindPointerBranch   Kind = "POINTER_OUT_OF_BRANCH"

	// Organization consistency kinds.
	KindOrgNotEmpty      Kind = "ORG_NOT_EMPTY"
	KindOrgLinkImmutable Kind = "ORG_LINK_IMMUTABLE"
	KindOrgPathImmutable Kind = "ORG_PATH_IMMUTABLE"

	KindPermissionDenied Kind = "PERMISSION_DENIED"

	// KindHookRejected wraps an error raised by a chained hook handler.
	KindHookRejected Kind = "HOOK_REJECTED"

	KindTrashMoveFailed Kind = "TRASH_MOVE_FAILED"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error used across the directory manager.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "ldap.add"
	DN      string // target DN when applicable
	Message string
	Err     error // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.DN != "":
		return fmt.Sprintf("%s: %s: %s (dn=%s)", e.Op, e.Kind, msg, e.DN)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a literal message.
func New(kind Kind, op, dn, message string) *Error {
	return &Error{Kind: kind, Op: op, DN: dn, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, dn, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, DN: dn, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause. The cause's message is used when no
// explicit message is given.
func Wrap(kind Kind, op, dn string, err error) *Error {
	return &Error{Kind: kind, Op: op, DN: dn, Err: err}
}

// Wrapf creates an Error around a cause with a formatted message.
func Wrapf(kind Kind, op, dn string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, DN: dn, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the most specific Kind from an error chain. A
// HOOK_REJECTED wrapper is transparent: when it carries a classified cause,
// the inner kind wins, so a trash failure inside a delete chain still maps
// to TRASH_MOVE_FAILED.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return KindInternal
	}
	if e.Kind == KindHookRejected && e.Err != nil {
		var inner *Error
		if errors.As(e.Err, &inner) {
			return KindOf(e.Err)
		}
	}
	return e.Kind
}

// IsKind reports whether the error chain carries the given kind, looking
// through HOOK_REJECTED wrappers the same way KindOf does.
func IsKind(err error, kind Kind) bool {
	if kind == KindHookRejected {
		var e *Error
		return errors.As(err, &e) && e.Kind == KindHookRejected
	}
	return KindOf(err) == kind
}

// UserMessage returns the message suitable for API clients. Internal errors
// get a generic message; the structured detail stays in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "internal error, check server logs"
	}
	if KindOf(err) == KindInternal {
		return "internal error, check server logs"
	}
	// Prefer the innermost classified error's own text.
	if e.Kind == KindHookRejected && e.Err != nil {
		var inner *Error
		if errors.As(e.Err, &inner) {
			return UserMessage(e.Err)
		}
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

// httpStatus maps each kind to the HTTP status the API surfaces.
var httpStatus = map[Kind]int{
	KindConfigInvalid:    http.StatusInternalServerError,
	KindBindFailed:       http.StatusInternalServerError,
	KindIOFailed:         http.StatusInternalServerError,
	KindNotFound:         http.StatusNotFound,
	KindConstraint:       http.StatusConflict,
	KindUnknownAttr:      http.StatusBadRequest,
	KindRequiredMissing:  http.StatusBadRequest,
	KindTestFailed:       http.StatusBadRequest,
	KindFixedMismatch:    http.StatusBadRequest,
	KindFixedImmutable:   http.StatusBadRequest,
	KindPointerDangling:  http.StatusBadRequest,
	KindPointerBranch:    http.StatusBadRequest,
	KindOrgNotEmpty:      http.StatusConflict,
	KindOrgLinkImmutable: http.StatusBadRequest,
	KindOrgPathImmutable: http.StatusBadRequest,
	KindPermissionDenied: http.StatusForbidden,
	KindHookRejected:     http.StatusBadRequest,
	KindTrashMoveFailed:  http.StatusInternalServerError,
	KindInternal:         http.StatusInternalServerError,
}

// HTTPStatus returns the status code for an error, resolving through
// HOOK_REJECTED wrappers to the inner kind.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := httpStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
