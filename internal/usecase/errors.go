package usecase

import (
	"context"
	"errors"
	"fmt"

	"convsync/internal/docstore"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorTransient    ErrorCode = "TRANSIENT"
	ErrorPermanent    ErrorCode = "PERMANENT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Reasons surfaced to callers.
const (
	ReasonEmptyMessage    = "empty_message"
	ReasonMissingIdentity = "missing_identity"
	ReasonMaxRetries      = "max_retries_reached"
	ReasonUnknownMessage  = "unknown_message"
	ReasonCancelled       = "cancelled"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// remoteError wraps a store failure with its classification.
func remoteError(reason string, err error) *Error {
	return newError(Classify(err), reason, err)
}

// Classify decides whether retrying err could succeed. Store error kinds that
// describe the request rather than the network are permanent, as is caller
// cancellation; everything else is treated as transient.
func Classify(err error) ErrorCode {
	var ue *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return ue.Code
	case errors.Is(err, context.Canceled):
		return ErrorPermanent
	case docstore.IsPermanent(err):
		return ErrorPermanent
	default:
		return ErrorTransient
	}
}

// ReasonOf returns the reason of a usecase error, or "".
func ReasonOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}
