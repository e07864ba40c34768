// Package apperr defines the error kinds shared by the disk engine and their
// HTTP mapping.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Kind is the class of an error.
type Kind uint8

// Kinds of errors.
const (
	Other      Kind = iota // Unclassified; reported as an internal error.
	Validation             // Malformed request or forbidden target.
	NotFound               // Path, session or share does not exist.
	Integrity              // Missing fragment or digest mismatch.
	Permission             // Access denied or feature disabled.
	Transient              // Filesystem or store I/O failure.
	Exist                  // Target already exists.
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "invalid request"
	case NotFound:
		return "not found"
	case Integrity:
		return "integrity check failed"
	case Permission:
		return "permission denied"
	case Transient:
		return "I/O error"
	case Exist:
		return "already exists"
	}
	return "internal error"
}

// Error carries a kind, a client-facing message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Missing is the first absent fragment index for a failed merge, or -1.
	Missing int
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind with a client-facing message.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg, Missing: -1}
}

// Errorf is E with formatting.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Missing: -1}
}

// Wrap attaches a kind and message to a lower-level error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err, Missing: -1}
}

// MissingFragment reports that fragment i of an upload session is absent.
func MissingFragment(i int) error {
	return &Error{Kind: Integrity, Msg: fmt.Sprintf("missing fragment #%d", i), Missing: i}
}

// KindOf returns the kind of err. Filesystem sentinel errors are mapped to
// their natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrPermission):
		return Permission
	case errors.Is(err, fs.ErrExist):
		return Exist
	}
	return Other
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the client-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Kind.String()
	}
	return KindOf(err).String()
}

// MissingIndex returns the absent fragment index carried by err.
func MissingIndex(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Missing >= 0 {
		return e.Missing, true
	}
	return 0, false
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Integrity, Exist:
		return http.StatusConflict
	case Permission:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
