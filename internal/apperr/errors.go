// Package apperr defines the closed set of error kinds used across the
// credential lifecycle subsystem. Callers branch on Kind, never on error
// message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the subsystem's failure categories.
type Kind int

const (
	// KindUnknown is the zero value for errors that did not originate here.
	KindUnknown Kind = iota
	// KindValidation covers bad input shape or range, rejected before any I/O.
	KindValidation
	// KindCrypto covers primitive failures, including auth-tag mismatch on decrypt.
	KindCrypto
	// KindParse covers malformed certificates, CSRs, and PEM input.
	KindParse
	// KindDeployment covers remote-host failures: unreachable, auth rejected,
	// non-zero remote exit.
	KindDeployment
	// KindNotFound covers absent records or records not owned by the caller.
	KindNotFound
	// KindStore covers persistence-layer failures.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindParse:
		return "parse"
	case KindDeployment:
		return "deployment"
	case KindNotFound:
		return "not_found"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

// Error is the tagged error type carried across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "sshkeys.Deploy"
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new tagged error with a message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap tags an underlying error. A nil cause returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf tags an underlying error with an additional message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unrecognized errors map to
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error kind to the status the API layer should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindParse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDeployment:
		return http.StatusBadGateway
	case KindCrypto, KindStore:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
