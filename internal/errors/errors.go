package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeNativeAllocation ErrorType = "native_allocation"
	ErrorTypeAllocationConfig ErrorType = "allocation_config"
	ErrorTypeUnavailable      ErrorType = "unavailable"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeConfiguration    ErrorType = "configuration"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsType reports whether any StructuredError in err's chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Type == errType {
			return true
		}
		err = se.Cause
	}
	return false
}

// OperationOf returns the Operation of the outermost StructuredError in err's chain.
func OperationOf(err error) string {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Operation
	}
	return ""
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// WrapNativeAllocationError wraps a failed native allocation
func WrapNativeAllocationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeNativeAllocation, operation, message)
}

// WrapAllocationConfigError wraps a failed native configuration call
func WrapAllocationConfigError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeAllocationConfig, operation, message)
}

// WrapUnavailableError wraps an error raised because accelerator support is missing
func WrapUnavailableError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeUnavailable, operation, message)
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}
