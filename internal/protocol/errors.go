package protocol

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error codes carried in ErrorData.Code.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeUnknownType        = "unknown_message_type"
	CodeValidationFailed   = "validation_failed"
	CodeUnauthorized       = "unauthorized"
	CodeTripNotFound       = "trip_not_found"
	CodeInvalidTransition  = "invalid_transition"
	CodeDriverRequired     = "driver_required"
	CodeTripAlreadyHandled = "trip_already_handled"
	CodeInternal           = "internal_error"
)

// Error is a protocol-level failure reported to the originating connection.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	TripID  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidationFailed, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: msg}
}

func TripNotFound(tripID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeTripNotFound, Message: "trip not found", TripID: tripID}
}

func AlreadyHandled(tripID string) *Error {
	return &Error{Kind: KindConflict, Code: CodeTripAlreadyHandled, Message: "this trip has already been handled", TripID: tripID}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "server error processing your message", Err: err}
}

// AsError converts any error into a protocol error, treating unknown errors as internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(err)
}

// Event renders the error as the single outbound event sent to the originator.
// Internal details never leave the process.
func (e *Error) Event(requestType string) Outbound {
	data := ErrorData{Code: e.Code, Message: e.Message, RequestType: requestType, TripID: e.TripID}
	if e.Kind == KindConflict {
		return NewOutbound(TypeTripAlreadyHandled, data)
	}
	return NewOutbound(TypeError, data)
}
