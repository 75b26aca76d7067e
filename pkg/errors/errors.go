// Package errors provides structured error types for polypkg.
//
// Every failure that crosses a package boundary carries a [Code]. Codes are
// grouped into the five failure families the command surface reports on:
//   - REGISTRY_*: the registry could not be reached or answered badly
//   - RESOLUTION_*: no consistent set of versions exists
//   - INTEGRITY_*: downloaded bytes do not match their expected digest
//   - EXTRACTION_*: an archive could not be unpacked into place
//   - LOCKFILE_*: the lockfile is missing or malformed
//
// Use [Kind] to map any error to its family name for display.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeRegistryNotFound, "package %s", name)
//	if errors.Is(err, errors.ErrCodeRegistryNotFound) {
//	    // Handle missing package
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeRegistryNetwork, origErr, "GET %s", url)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Registry errors
	ErrCodeRegistryNotFound        Code = "REGISTRY_NOT_FOUND"
	ErrCodeRegistryNetwork         Code = "REGISTRY_NETWORK"
	ErrCodeRegistryInvalidResponse Code = "REGISTRY_INVALID_RESPONSE"

	// Resolution errors
	ErrCodeResolutionUnsatisfiable Code = "RESOLUTION_UNSATISFIABLE"
	ErrCodeResolutionFailed        Code = "RESOLUTION_FAILED"

	// Integrity errors
	ErrCodeIntegrityMismatch Code = "INTEGRITY_MISMATCH"
	ErrCodeIntegrityInvalid  Code = "INTEGRITY_INVALID"

	// Extraction errors
	ErrCodeExtractionFailed Code = "EXTRACTION_FAILED"

	// Lockfile errors
	ErrCodeLockfileInvalid  Code = "LOCKFILE_INVALID"
	ErrCodeLockfileNotFound Code = "LOCKFILE_NOT_FOUND"

	// Input validation errors
	ErrCodeInvalidInput    Code = "INVALID_INPUT"
	ErrCodeInvalidPackage  Code = "INVALID_PACKAGE"
	ErrCodeInvalidManifest Code = "INVALID_MANIFEST"
	ErrCodeInvalidPath     Code = "INVALID_PATH"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It walks the whole error chain, including errors joined with errors.Join,
// so a registry failure wrapped by the resolver still matches its
// REGISTRY_* code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
	}
	return false
}

// GetCode extracts the outermost error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Kind names the failure family of err: "registry", "resolution",
// "integrity", "extraction", "lockfile", "input" or "internal".
// The outermost code decides.
func Kind(err error) string {
	code := GetCode(err)
	switch {
	case code == "":
		return "internal"
	case strings.HasPrefix(string(code), "REGISTRY_"):
		return "registry"
	case strings.HasPrefix(string(code), "RESOLUTION_"):
		return "resolution"
	case strings.HasPrefix(string(code), "INTEGRITY_"):
		return "integrity"
	case strings.HasPrefix(string(code), "EXTRACTION_"):
		return "extraction"
	case strings.HasPrefix(string(code), "LOCKFILE_"):
		return "lockfile"
	case strings.HasPrefix(string(code), "INVALID_"):
		return "input"
	default:
		return "internal"
	}
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix, followed by
// the cause when there is one.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return e.Message + ": " + UserMessage(e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
