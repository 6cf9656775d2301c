// Package somaerr defines the typed error vocabulary returned across the
// session, store, resolver, transfer, and engine APIs.
package somaerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure. Callers should branch on Kind,
// never on the message text.
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	NotFound           Kind = "not_found"
	InvalidArgument    Kind = "invalid_argument"
	WorkflowCyclic     Kind = "workflow_cyclic"
	ConfigurationError Kind = "configuration_error"
	DRMUnavailable     Kind = "drm_unavailable"
	SubmissionError    Kind = "submission_error"
	UpstreamFailed     Kind = "upstream_failed"
	TransferConflict   Kind = "transfer_conflict"
	Internal           Kind = "internal"
)

// Error is a typed, wrapped error carrying a Kind for programmatic dispatch.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, somaerr.ErrUnauthorized) style checks by
// comparing Kind whenever the target is itself a *Error; the target's
// message is ignored.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// OfKind reports whether err is a somaerr.Error of the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel values for use with errors.Is against a bare Kind comparison.
var (
	ErrUnauthorized       = &Error{Kind: Unauthorized}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrInvalidArgument    = &Error{Kind: InvalidArgument}
	ErrWorkflowCyclic     = &Error{Kind: WorkflowCyclic}
	ErrConfigurationError = &Error{Kind: ConfigurationError}
	ErrDRMUnavailable     = &Error{Kind: DRMUnavailable}
	ErrSubmissionError    = &Error{Kind: SubmissionError}
	ErrUpstreamFailed     = &Error{Kind: UpstreamFailed}
	ErrTransferConflict   = &Error{Kind: TransferConflict}
	ErrInternal           = &Error{Kind: Internal}
)
