package types

import (
	"errors"

	"github.com/google/uuid"
)

// ID represents a unique identifier
type ID string

// NewID generates a new ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	return ID(uuid.NewString())
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode reports whether any *Error in err's chain carries code
func IsErrCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the error code of the outermost *Error in err's chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
)

// Messaging error codes
const (
	ErrCodeNotInitialized     = "NOT_INITIALIZED"
	ErrCodeInvalidRequestType = "INVALID_REQUEST_TYPE"
	ErrCodeTooManyRequestIDs  = "TOO_MANY_REQUEST_IDS"
	ErrCodeTooManySends       = "TOO_MANY_SENDS"
	ErrCodeBadRequestID       = "BAD_REQUEST_ID"
	ErrCodeBadSendID          = "BAD_SEND_ID"
	ErrCodeBadReplyOutcome    = "BAD_REPLY_OUTCOME"
	ErrCodeInvalidBlockMode   = "INVALID_BLOCK_MODE"
	ErrCodeEnvelopeTooSmall   = "ENVELOPE_TOO_SMALL"
	ErrCodeBufferTooSmall     = "BUFFER_TOO_SMALL"
	ErrCodeOutOfMemory        = "OUT_OF_MEMORY"
	ErrCodeTransportFull      = "TRANSPORT_FULL"
	ErrCodeTransportClosed    = "TRANSPORT_CLOSED"
	ErrCodeRemoteFailure      = "REMOTE_FAILURE"
)
