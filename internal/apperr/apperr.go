// Package apperr defines the error kinds shared by the resolver, auth and
// server layers, and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure. Its string form is sent to clients in the
// "error" field of every error body.
type Kind string

const (
	InvalidCredentials Kind = "InvalidCredentials"
	Unauthorized       Kind = "Unauthorized"
	FolderNotFound     Kind = "FolderNotFound"
	InvalidSegment     Kind = "InvalidSegment"
	PathEscapesRoot    Kind = "PathEscapesRoot"
	PathNotFound       Kind = "PathNotFound"
	IsADirectory       Kind = "IsADirectory"
	PortInUse          Kind = "PortInUse"
	NotRunning         Kind = "NotRunning"
	FolderInUse        Kind = "FolderInUse"
	InvalidConfig      Kind = "InvalidConfig"
	IoFailure          Kind = "IoFailure"
)

// Error is a typed failure. Message is safe to show to clients; Err holds the
// underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.E(apperr.PathNotFound)) style checks work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind carrying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// E returns a bare sentinel for kind, for use with errors.Is.
func E(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the kind of err. Errors that are not *Error map to
// IoFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IoFailure
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the text a client may see for err. IoFailure never
// exposes the cause since it may contain filesystem paths.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == IoFailure {
		return "internal server error"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidSegment, InvalidConfig:
		return http.StatusBadRequest
	case InvalidCredentials, Unauthorized:
		return http.StatusUnauthorized
	case PathEscapesRoot:
		return http.StatusForbidden
	case FolderNotFound, PathNotFound, NotRunning:
		return http.StatusNotFound
	case PortInUse, FolderInUse, IsADirectory:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
