package request

import (
	"fmt"

	"github.com/billm/letterbox/pkg/types"
)

// RequestID indexes a request table slot on a client or server
type RequestID int32

// Outcome is the result code a server attaches to a reply
type Outcome int32

const (
	OutcomeOK                 Outcome = 0
	OutcomeInvalidRequestType Outcome = -1
	OutcomeHandlerFailed      Outcome = -2
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeInvalidRequestType:
		return "invalid_request_type"
	case OutcomeHandlerFailed:
		return "handler_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int32(o))
	}
}

// ReplyError reports a final reply that carried a non-OK outcome
type ReplyError struct {
	RequestID RequestID
	Outcome   Outcome
}

// Error implements the error interface
func (e *ReplyError) Error() string {
	return fmt.Sprintf("request %d failed remotely: %s", e.RequestID, e.Outcome)
}

// Unwrap exposes the outcome as a coded error
func (e *ReplyError) Unwrap() error {
	if e.Outcome == OutcomeInvalidRequestType {
		return types.NewError(types.ErrCodeInvalidRequestType, "server has no handler for the request type")
	}
	return types.NewError(types.ErrCodeRemoteFailure, "server replied with outcome "+e.Outcome.String())
}
