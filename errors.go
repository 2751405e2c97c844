// Package lowbit structured error types for kernel and runtime failures
package lowbit

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Memory errors
	ErrTypeMemory ErrorType = iota
	// Invalid argument errors
	ErrTypeInvalidArg
	// Execution errors
	ErrTypeExecution
	// Numerical errors
	ErrTypeNumerical
	// Device errors
	ErrTypeDevice
	// Not implemented errors
	ErrTypeNotImplemented
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lowbit %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("lowbit %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same type. Op and Message
// are ignored so that errors.Is(err, ErrNotImplemented) matches any
// not-implemented status regardless of which operation produced it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeMemory:
		return "Memory"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeExecution:
		return "Execution"
	case ErrTypeNumerical:
		return "Numerical"
	case ErrTypeDevice:
		return "Device"
	case ErrTypeNotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// Common error constructors

// NewMemoryError creates a memory-related error
func NewMemoryError(op string, message string, err error) error {
	return &Error{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error
func NewInvalidArgError(op string, message string) error {
	return &Error{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// NewExecutionError creates an execution error
func NewExecutionError(op string, message string, err error) error {
	return &Error{
		Type:    ErrTypeExecution,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewDeviceError creates a device capability error
func NewDeviceError(op string, message string) error {
	return &Error{
		Type:    ErrTypeDevice,
		Op:      op,
		Message: message,
	}
}

// NewNotImplementedError creates the status returned for configurations
// that have no kernel. No buffer is touched before it is returned.
func NewNotImplementedError(op string, message string) error {
	return &Error{
		Type:    ErrTypeNotImplemented,
		Op:      op,
		Message: message,
	}
}

// Common pre-defined errors

var (
	// ErrOutOfMemory indicates memory allocation failure
	ErrOutOfMemory = NewMemoryError("Malloc", "out of memory", nil)

	// ErrInvalidSize indicates invalid size parameter
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrDoubleFree indicates double free attempt
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)

	// ErrInvalidDevice indicates invalid device ID
	ErrInvalidDevice = NewInvalidArgError("SetDevice", "invalid device ID")

	// ErrNotImplemented is the sentinel status for unsupported kernel
	// configurations (bit width, format, block size).
	ErrNotImplemented = NewNotImplementedError("Dispatch", "not implemented")

	// ErrKernelFailed indicates a kernel panicked during a launch
	ErrKernelFailed = NewExecutionError("Kernel", "kernel execution failed", nil)
)

// IsMemoryError checks if an error is a memory error
func IsMemoryError(err error) bool {
	return hasType(err, ErrTypeMemory)
}

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool {
	return hasType(err, ErrTypeInvalidArg)
}

// IsExecutionError checks if an error is an execution error
func IsExecutionError(err error) bool {
	return hasType(err, ErrTypeExecution)
}

// IsNotImplemented checks if an error is the not-implemented status
func IsNotImplemented(err error) bool {
	return hasType(err, ErrTypeNotImplemented)
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// isFatal reports whether err belongs to the runtime fault class that the
// fail-fast policy terminates on.
func isFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return err != nil
	}
	switch e.Type {
	case ErrTypeMemory, ErrTypeExecution, ErrTypeDevice:
		return true
	}
	return false
}

// FatalHandler is invoked with runtime faults (allocation failure, kernel
// panic, missing capability).
type FatalHandler func(err error)

// exit is swapped in tests.
var exit = os.Exit

// DefaultFatalHandler reports the fault on the error stream and terminates
// the process.
func DefaultFatalHandler(logger *slog.Logger) FatalHandler {
	return func(err error) {
		logger.Error("fatal device fault", "error", err)
		exit(1)
	}
}
