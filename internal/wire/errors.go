package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every *MalformedError via errors.Is.
var ErrMalformed = errors.New("wire: malformed buffer")

// ErrUnrecognized matches every *UnrecognizedError via errors.Is.
var ErrUnrecognized = errors.New("wire: unrecognized value")

// MalformedError reports a buffer that ended early or carried an impossible
// length. Need and Have are byte counts at Offset.
type MalformedError struct {
	What   string
	Offset int
	Need   int
	Have   int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("wire: malformed %s at offset %d: need %d bytes, have %d", e.What, e.Offset, e.Need, e.Have)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// UnrecognizedError is returned when an enum tag on the wire has no mapping.
type UnrecognizedError struct {
	Enum  string
	Value uint64
}

func (e *UnrecognizedError) Error() string {
	return fmt.Sprintf("wire: unrecognized %s value %d", e.Enum, e.Value)
}

func (e *UnrecognizedError) Is(target error) bool { return target == ErrUnrecognized }

// ErrorResponse is a response buffer whose leading code was nonzero.
// The message is kept verbatim.
type ErrorResponse struct {
	Code    int32
	Message string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}
