package models

import "fmt"

// ErrorKind groups error codes by how the run reacts to them.
type ErrorKind string

// Error kinds.
const (
	KindConfiguration ErrorKind = "configuration"
	KindPrecondition  ErrorKind = "precondition"
	KindConnectivity  ErrorKind = "connectivity"
	KindSync          ErrorKind = "sync"
	KindDelivery      ErrorKind = "delivery"
	KindInterrupted   ErrorKind = "interrupted"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

// Error codes.
const (
	CodeMissingArgument     ErrorCode = "missing_argument"
	CodeInvalidURL          ErrorCode = "invalid_url"
	CodeInvalidArgument     ErrorCode = "invalid_argument"
	CodeSourceNotFound      ErrorCode = "source_not_found"
	CodeSourceUnreadable    ErrorCode = "source_unreadable"
	CodeMissingDependency   ErrorCode = "missing_dependency"
	CodeUnreachableHost     ErrorCode = "unreachable_host"
	CodeDestinationNotFound ErrorCode = "destination_not_found"
	CodeSyncFailed          ErrorCode = "sync_failed"
	CodeDeliveryFailed      ErrorCode = "delivery_failed"
	CodeInterrupted         ErrorCode = "interrupted"
)

var codeKinds = map[ErrorCode]ErrorKind{
	CodeMissingArgument:     KindConfiguration,
	CodeInvalidURL:          KindConfiguration,
	CodeInvalidArgument:     KindConfiguration,
	CodeSourceNotFound:      KindPrecondition,
	CodeSourceUnreadable:    KindPrecondition,
	CodeMissingDependency:   KindPrecondition,
	CodeUnreachableHost:     KindConnectivity,
	CodeDestinationNotFound: KindConnectivity,
	CodeSyncFailed:          KindSync,
	CodeDeliveryFailed:      KindDelivery,
	CodeInterrupted:         KindInterrupted,
}

// RunError is the typed error returned up to the CLI, which turns it into an
// exit status.
type RunError struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Err     error
}

// NewRunError creates a RunError whose kind is derived from the code.
func NewRunError(code ErrorCode, message string, err error) *RunError {
	return &RunError{
		Kind:    codeKinds[code],
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error kind to a process exit status.
func (e *RunError) ExitCode() int {
	switch e.Kind {
	case KindConfiguration:
		return 2
	case KindPrecondition:
		return 3
	case KindConnectivity:
		return 4
	case KindSync:
		return 5
	case KindInterrupted:
		return 130
	default:
		return 1
	}
}
