package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a harness-defined error code carried by error replies
type ErrorCode int

const (
	Timeout                ErrorCode = 0
	NodeNotFound           ErrorCode = 1
	NotSupported           ErrorCode = 10
	TemporarilyUnavailable ErrorCode = 11
	MalformedRequest       ErrorCode = 12
	Crash                  ErrorCode = 13
	Abort                  ErrorCode = 14
	KeyDoesNotExist        ErrorCode = 20
	KeyAlreadyExists       ErrorCode = 21
	PreconditionFailed     ErrorCode = 22
	TxnConflict            ErrorCode = 30
)

func (c ErrorCode) String() string {
	switch c {
	case Timeout:
		return "Timeout"
	case NodeNotFound:
		return "NodeNotFound"
	case NotSupported:
		return "NotSupported"
	case TemporarilyUnavailable:
		return "TemporarilyUnavailable"
	case MalformedRequest:
		return "MalformedRequest"
	case Crash:
		return "Crash"
	case Abort:
		return "Abort"
	case KeyDoesNotExist:
		return "KeyDoesNotExist"
	case KeyAlreadyExists:
		return "KeyAlreadyExists"
	case PreconditionFailed:
		return "PreconditionFailed"
	case TxnConflict:
		return "TxnConflict"
	default:
		return "Unknown"
	}
}

// Definite reports whether the failed operation is known not to have happened.
// Only Timeout and Crash leave the outcome open.
func (c ErrorCode) Definite() bool {
	return c != Timeout && c != Crash
}

// Error is both the "error" payload and a Go error. Handlers return it to
// produce an error reply instead of failing the node.
type Error struct {
	Code ErrorCode `json:"code"`
	Text string    `json:"text,omitempty"`
}

// NewError builds an error payload with a formatted text.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("error %d (%s)", int(e.Code), e.Code)
	}
	return fmt.Sprintf("error %d (%s): %s", int(e.Code), e.Code, e.Text)
}

// IsCode reports whether err carries a protocol error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Code == code
}
