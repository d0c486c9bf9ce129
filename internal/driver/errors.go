package driver

import (
	"errors"
	"fmt"
)

// Stage is the part of a cycle that failed.
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRead      Stage = "read"
	StageDecode    Stage = "decode"
	StageControl   Stage = "control"
)

// CycleError is the single failure value a driver cycle returns.
type CycleError struct {
	Stage   Stage
	Command string // the exchange that failed, if any
	Err     error
}

func (e *CycleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Command != "" {
		return fmt.Sprintf("%s failed at %s: %v", e.Stage, e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare CycleError values by Stage
func (e *CycleError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CycleError)
	if !ok {
		return false
	}
	return e.Stage == t.Stage
}

// Predefined sentinel errors for cycle stages
var (
	ErrHandshake = &CycleError{Stage: StageHandshake}
	ErrRead      = &CycleError{Stage: StageRead}
	ErrDecode    = &CycleError{Stage: StageDecode}
	ErrControl   = &CycleError{Stage: StageControl}
)

// DecodeError reports a payload that does not match the expected layout.
type DecodeError struct {
	Field string
	Msg   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Field, e.Msg)
}

// Decodef builds a DecodeError.
func Decodef(field, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ErrUnknownCommand is returned for control commands a driver does not accept.
var ErrUnknownCommand = errors.New("unknown command")
