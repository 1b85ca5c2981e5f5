// Package errs defines the classified error type shared by every froyoctl
// component. Errors carry a Code from a fixed taxonomy and a Class that tells
// the dispatcher whether the failure aborts the run, stays isolated to one
// host, or is merely reported during plugin discovery.
package errs

import (
	"errors"
	"fmt"
)

// Class groups error codes by how the controller reacts to them.
type Class string

const (
	// ClassResolution errors compromise target selection and abort the run
	// before any host is contacted.
	ClassResolution Class = "resolution"

	// ClassDispatch errors are recorded in a single host's outcome.
	ClassDispatch Class = "dispatch"

	// ClassDiscovery errors exclude one plugin candidate and are logged.
	ClassDiscovery Class = "discovery"
)

// Code identifies a specific failure.
type Code string

// Error codes.
const (
	CodePatternSyntax          Code = "PatternSyntaxError"
	CodeUnknownGroupOrHost     Code = "UnknownGroupOrHost"
	CodeCycleDetected          Code = "CycleDetected"
	CodeIngest                 Code = "IngestError"
	CodeVaultIntegrity         Code = "VaultIntegrityError"
	CodeVaultSecretUnavailable Code = "VaultSecretUnavailable"
	CodeVaultOverrideConflict  Code = "VaultOverrideConflict"
	CodePluginLoad             Code = "PluginLoadError"
	CodePluginVersionMismatch  Code = "PluginVersionMismatch"
	CodePluginNotFound         Code = "PluginNotFound"
	CodeConnectionTimeout      Code = "ConnectionTimeout"
	CodeConnection             Code = "ConnectionError"
	CodeExecution              Code = "ExecutionError"
	CodePolicyDenied           Code = "PolicyDenied"
	CodeCancelled              Code = "Cancelled"
)

var classByCode = map[Code]Class{
	CodePatternSyntax:          ClassResolution,
	CodeUnknownGroupOrHost:     ClassResolution,
	CodeCycleDetected:          ClassResolution,
	CodeIngest:                 ClassResolution,
	CodeVaultIntegrity:         ClassResolution,
	CodeVaultSecretUnavailable: ClassResolution,
	CodeVaultOverrideConflict:  ClassResolution,
	CodePluginLoad:             ClassDiscovery,
	CodePluginVersionMismatch:  ClassDiscovery,
	CodePluginNotFound:         ClassDispatch,
	CodeConnectionTimeout:      ClassDispatch,
	CodeConnection:             ClassDispatch,
	CodeExecution:              ClassDispatch,
	CodePolicyDenied:           ClassDispatch,
	CodeCancelled:              ClassDispatch,
}

// Error is a classified error with context.
type Error struct {
	// Class is derived from Code.
	Class Class `json:"class"`

	// Code is the taxonomy entry.
	Code Code `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Host is the host the error belongs to, if any.
	Host string `json:"host,omitempty"`

	// Operation is the step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details holds additional context. Never put secret material here.
	Details map[string]interface{} `json:"details,omitempty"`
}

// New creates an error for code.
func New(code Code, message string) *Error {
	return &Error{
		Class:   classByCode[code],
		Code:    code,
		Message: message,
	}
}

// Newf creates an error for code with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error for code around err.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Host != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (host=%s, operation=%s)", msg, e.Host, e.Operation)
	} else if e.Host != "" {
		msg = fmt.Sprintf("%s (host=%s)", msg, e.Host)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so errors.Is(err,
// errs.New(errs.CodeCycleDetected, "")) works as a sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithHost adds host context.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the first *Error in err's chain, or "".
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsResolution returns true if err must abort the run before dispatch.
func IsResolution(err error) bool {
	return ClassOf(err) == ClassResolution
}

// IsUnreachable returns true for connection-level failures.
func IsUnreachable(err error) bool {
	c := CodeOf(err)
	return c == CodeConnection || c == CodeConnectionTimeout
}
