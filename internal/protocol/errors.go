// ABOUTME: Structured protocol error type and the wire error-code taxonomy
// ABOUTME: Distinguishes connection-fatal codes from request-scoped ones

package protocol

import "errors"

// Wire error codes. Connection-fatal codes close the transport after the
// error frame is sent; every other code is scoped to a single request.
const (
	CodeInvalidFrame        = "invalid_frame"
	CodeUnsupportedProtocol = "unsupported_protocol"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidParams       = "invalid_params"
	CodeMethodNotFound      = "method_not_found"
	CodeAuthFailed          = "auth_failed"
	CodeInvalidNonce        = "invalid_nonce"
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeIdempotencyInFlight = "idempotency_in_progress"
	CodeNoMatch             = "no_match"
	CodeCapabilityDenied    = "capability_denied"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeExpired             = "expired"
	CodeInternal            = "internal"
	CodeDisconnected        = "disconnected"
)

// Error is a structured protocol fault: a stable wire code plus a human
// message. Nothing crosses the protocol boundary as an unstructured crash.
type Error struct {
	Code    string
	Message string
}

// NewError builds a protocol error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Fatal reports whether this error must close the connection after the
// error frame is delivered.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeAuthFailed, CodeInvalidNonce, CodeUnsupportedProtocol:
		return true
	}
	return false
}

// AsError converts any error into a protocol error. Already-structured
// errors pass through; everything else becomes an internal fault so that
// handler failures never leak unstructured text with stack context.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
