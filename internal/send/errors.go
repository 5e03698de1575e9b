package send

import (
	"errors"
	"fmt"
)

// Error codes surfaced synchronously to outbound callers. The API layer maps
// them onto its transport.
const (
	CodeMissingIdempotencyKey  = "MISSING_IDEMPOTENCY_KEY"
	CodeUnsupportedChannel     = "UNSUPPORTED_CHANNEL"
	CodeIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	CodeChannelAccountNotFound = "CHANNEL_ACCOUNT_NOT_FOUND"
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error is a coded orchestrator error.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
