// Package errors defines the structured error taxonomy for the host runtime.
// Every failure surfaced to the host application or to mini-app code carries a
// stable code; raw faults (panics, driver errors) are converted before they
// cross a component boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a stable error category.
type Code string

const (
	// Load-time errors. No instance is created.
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeRolloutIneligible Code = "ROLLOUT_INELIGIBLE"

	// Update errors. The bundle is discarded, the running version is untouched.
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodeNoUpdate         Code = "NO_UPDATE"

	// Call-level errors. Returned to the caller, never fatal to the instance.
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeMethodNotFound      Code = "METHOD_NOT_FOUND"
	CodeInvalidParams       Code = "INVALID_PARAMS"
	CodeBridgeTimeout       Code = "BRIDGE_TIMEOUT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeNetworkAccessDenied Code = "NETWORK_ACCESS_DENIED"

	// Instance-fatal errors. The owning instance is terminated; siblings and
	// the host process are unaffected.
	CodeExecutionTimeout    Code = "EXECUTION_TIMEOUT"
	CodeMemoryLimitExceeded Code = "MEMORY_LIMIT_EXCEEDED"
	CodeSandboxCrash        Code = "SANDBOX_CRASH"

	// Lifecycle errors.
	CodeInstanceTerminated Code = "INSTANCE_TERMINATED"
	CodeInstanceNotFound   Code = "INSTANCE_NOT_FOUND"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"

	// Generic errors.
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
)

// Wire codes for the bridge message format. The bridge delivers errors as
// {code int, message string}; these values are part of the protocol and must
// not be renumbered.
const (
	WirePermissionDenied    = 4001
	WireMethodNotFound      = 4040
	WireInvalidParams       = 4220
	WireBridgeTimeout       = 4080
	WireRateLimited         = 4290
	WireNetworkAccessDenied = 4030
	WireInstanceTerminated  = 4100
	WireInternal            = 5000
)

// wireCodes maps taxonomy codes to bridge wire codes.
var wireCodes = map[Code]int{
	CodePermissionDenied:    WirePermissionDenied,
	CodeMethodNotFound:      WireMethodNotFound,
	CodeInvalidParams:       WireInvalidParams,
	CodeBridgeTimeout:       WireBridgeTimeout,
	CodeRateLimited:         WireRateLimited,
	CodeNetworkAccessDenied: WireNetworkAccessDenied,
	CodeInstanceTerminated:  WireInstanceTerminated,
}

// WireCode returns the numeric bridge code for a taxonomy code.
func WireCode(c Code) int {
	if wc, ok := wireCodes[c]; ok {
		return wc
	}
	return WireInternal
}

// InstanceFatal reports whether an error of this code terminates the owning
// instance.
func (c Code) InstanceFatal() bool {
	switch c {
	case CodeExecutionTimeout, CodeMemoryLimitExceeded, CodeSandboxCrash:
		return true
	default:
		return false
	}
}

// Error is a structured runtime error with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two Errors by code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
// Returns CodeInternal for errors outside the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}
