// Package errors provides structured error handling for cidrsweep operations.
// It defines error codes and error types that carry the range, target, or
// configuration field involved so callers can report failures precisely.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeBusy          ErrorCode = "BUSY"

	// Range and scanning errors.
	CodeRangeInvalid  ErrorCode = "RANGE_INVALID"
	CodeRangeTooLarge ErrorCode = "RANGE_TOO_LARGE"
	CodePortInvalid   ErrorCode = "PORT_INVALID"
	CodeScanFailed    ErrorCode = "SCAN_FAILED"

	// Output errors.
	CodeFileWrite ErrorCode = "FILE_WRITE"
)

// ScanError represents an error that occurred while scanning a range.
type ScanError struct {
	Code    ErrorCode
	Message string
	Range   string
	Port    uint16
	Cause   error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Range != "" {
		msg += fmt.Sprintf(" (range: %s)", e.Range)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// WrapScanError wraps an existing error as a scan error for one range.
func WrapScanError(code ErrorCode, message, rangeText string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Range:   rangeText,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// coded is implemented by every error type in this package and by
// domain errors elsewhere that want to participate in code lookups.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// ErrorCode returns the error's code.
func (e *ScanError) ErrorCode() ErrorCode { return e.Code }

// ErrorCode returns the error's code.
func (e *ConfigError) ErrorCode() ErrorCode { return e.Code }

// GetCode extracts the first error code found in the error chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsFatal reports whether an error should stop the whole invocation rather
// than a single range.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeValidation, CodePortInvalid:
		return true
	default:
		return false
	}
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}

// ErrRangeTooLarge creates an error for ranges that exceed the configured size.
func ErrRangeTooLarge(rangeText string, hostBits, maxBits int) *ScanError {
	return &ScanError{
		Code:    CodeRangeTooLarge,
		Message: fmt.Sprintf("range has %d host bits, limit is %d", hostBits, maxBits),
		Range:   rangeText,
	}
}

// ErrTooManyScans creates an error for a sweep rejected because limit sweeps
// are already running.
func ErrTooManyScans(limit int) *ScanError {
	return &ScanError{
		Code:    CodeBusy,
		Message: fmt.Sprintf("%d scans already running, try again later", limit),
	}
}
