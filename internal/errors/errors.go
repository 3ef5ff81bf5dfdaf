// Package errors defines the stable error taxonomy shared by the store, the
// project manager and the CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// InvalidPath indicates a project root that does not exist or is not a directory
	InvalidPath ErrorCode = "INVALID_PATH"
	// DuplicateProject indicates a project with the same root is already registered
	DuplicateProject ErrorCode = "DUPLICATE_PROJECT"
	// NotFound indicates an unknown project or file
	NotFound ErrorCode = "NOT_FOUND"
	// InvalidOutput indicates an output path whose extension does not fit the file kind
	InvalidOutput ErrorCode = "INVALID_OUTPUT"
	// CorruptStore indicates the persisted project database cannot be read
	CorruptStore ErrorCode = "CORRUPT_STORE"
	// CompileError indicates a compiler rejected a source file
	CompileError ErrorCode = "COMPILE_ERROR"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// EditFile suggests editing a file by hand
	EditFile FixActionType = "edit-file"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
}

// PrecompError represents an error with a stable code, message, and suggestions
type PrecompError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates a new PrecompError with the default suggested fixes for its code
func New(code ErrorCode, message string, cause error) *PrecompError {
	return &PrecompError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Newf creates a PrecompError with a formatted message and no cause
func Newf(code ErrorCode, format string, args ...interface{}) *PrecompError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *PrecompError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *PrecompError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *PrecompError) WithDetails(details interface{}) *PrecompError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first PrecompError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var pe *PrecompError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	CorruptStore: {
		{
			Type:        RunCommand,
			Command:     "precomp store reset --backup",
			Safe:        true,
			Description: "Move the unreadable store aside (compressed backup) and start empty",
		},
	},
	InvalidPath: {
		{
			Type:        RunCommand,
			Command:     "precomp project list",
			Safe:        true,
			Description: "Check registered project roots",
		},
	},
	DuplicateProject: {
		{
			Type:        RunCommand,
			Command:     "precomp project refresh ${project_id}",
			Safe:        true,
			Description: "Refresh the existing project instead of adding it again",
		},
	},
	InvalidOutput: {
		{
			Type:        EditFile,
			Description: "Use .css for stylesheet sources and .js for script sources",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
