// Package errors provides the classified error model shared by the orchestration
// components: a transient/invalid/fatal class for infrastructure failures, a
// request-facing ErrorType for saga failures, and the standard wrapping format.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents defects or unrecoverable states that abort a saga
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors
var (
	ErrAlreadyStarted    = errors.New("component already started")
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")

	ErrInvalidData   = errors.New("invalid data format")
	ErrKeyNotFound   = errors.New("key not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent modification")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Command orchestration defects. These indicate a caller bug and are never retried.
	ErrDuplicateCommandID   = errors.New("duplicate command id")
	ErrCyclicDependency     = errors.New("cyclic command dependency")
	ErrUnresolvedDependency = errors.New("command depends on a command outside the batch")
	ErrDuplicateKey         = errors.New("another active saga with the same key")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "temporary"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is a defect that must abort processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDuplicateCommandID) ||
		errors.Is(err, ErrCyclicDependency) ||
		errors.Is(err, ErrUnresolvedDependency) ||
		errors.Is(err, ErrDuplicateKey)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Type != ErrorTypeInternal
	}

	return errors.Is(err, ErrInvalidData) || errors.Is(err, ErrAlreadyExists)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		// unknown errors stay retryable
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   err.Error(),
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, Wrap(err, component, method, action), component, method)
}
