package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksum is returned when the trailer does not match the computed checksum.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrLengthOverflow is returned when more bytes arrive than the frame declared,
	// or when a payload cannot be described by the length byte.
	ErrLengthOverflow = errors.New("length overflow")
	// ErrMalformedHeader is returned for an impossible header.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrForeignFrame marks input that does not belong to the awaited exchange:
	// a fragment that does not start a frame, or a frame for another command.
	ErrForeignFrame = errors.New("foreign frame")
)

// ProtocolError reports a frame for the awaited command that could not be
// accepted. It is never worth retrying the same request over the same link.
type ProtocolError struct {
	Command uint8
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on command %d: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is matches any *ProtocolError so callers can test the category with errors.Is.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// ErrProtocol is the category sentinel for errors.Is checks.
var ErrProtocol = &ProtocolError{}
