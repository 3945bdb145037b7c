package errors

import (
	"errors"
	"fmt"
)

// ErrorType is the request-facing category reported to the requester of a saga.
type ErrorType int

const (
	// ErrorTypeInternal covers defects, infrastructure failures and rolled back sagas
	ErrorTypeInternal ErrorType = iota
	ErrorTypeNotFound
	ErrorTypeDataInvalid
	ErrorTypeRequestInvalid
	ErrorTypeNotPermitted
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeInternal:       "INTERNAL_ERROR",
	ErrorTypeNotFound:       "NOT_FOUND",
	ErrorTypeDataInvalid:    "DATA_INVALID",
	ErrorTypeRequestInvalid: "REQUEST_INVALID",
	ErrorTypeNotPermitted:   "NOT_PERMITTED",
}

func (t ErrorType) String() string {
	if name, ok := errorTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText renders the type by name on the wire.
func (t ErrorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *ErrorType) UnmarshalText(text []byte) error {
	for k, v := range errorTypeNames {
		if v == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown error type %q", text)
}

// ProcessingError is a validation or processing failure with a request-facing type.
// Saga steps return it to abort with a precise reason.
type ProcessingError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// NewProcessingError builds a ProcessingError with a formatted message.
func NewProcessingError(t ErrorType, format string, args ...any) *ProcessingError {
	return &ProcessingError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) error {
	return NewProcessingError(ErrorTypeNotFound, format, args...)
}

// DataInvalid reports inconsistent persisted data.
func DataInvalid(format string, args ...any) error {
	return NewProcessingError(ErrorTypeDataInvalid, format, args...)
}

// RequestInvalid reports a request that cannot be served in the current state.
func RequestInvalid(format string, args ...any) error {
	return NewProcessingError(ErrorTypeRequestInvalid, format, args...)
}

// NotPermitted reports an operation disabled by configuration.
func NotPermitted(format string, args ...any) error {
	return NewProcessingError(ErrorTypeNotPermitted, format, args...)
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeInternal
}

// ReasonOf returns the human readable message carried by err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
