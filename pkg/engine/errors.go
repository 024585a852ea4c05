package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/runner"
)

// ErrorClass represents the classification of an error for reporting and
// retry decisions made by callers.
type ErrorClass string

const (
	// ErrorClassSoft marks an expected outcome that is reported per identity
	// but does not by itself mean the system is broken, e.g. no candidate.
	ErrorClassSoft ErrorClass = "soft"

	// ErrorClassTransient indicates a failure that may succeed on a later run.
	// Examples: tool timeouts, a helper that kept dying.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates an error that will not go away without a
	// change to the declaration or the host.
	// Examples: ambiguous virtual package, unsupported action, missing tool.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the action being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context, such as tool stdout and stderr.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAmbiguous            = "AMBIGUOUS_RESOLUTION"
	ErrCodeToolUnavailable      = "TOOL_UNAVAILABLE"
	ErrCodeToolExecution        = "TOOL_EXECUTION"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewNotFoundError reports that an identity has no current or candidate
// state.
func NewNotFoundError(resource, message string) *EngineError {
	return &EngineError{
		Class:    ErrorClassSoft,
		Code:     ErrCodeNotFound,
		Message:  message,
		Resource: resource,
	}
}

// NewAmbiguousError reports a name that resolves to more than one concrete
// identity.
func NewAmbiguousError(resource string, matches []string) *EngineError {
	return (&EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeAmbiguous,
		Message:  fmt.Sprintf("%s is provided by multiple packages: %s", resource, strings.Join(matches, ", ")),
		Resource: resource,
	}).WithDetail("matches", matches)
}

// NewToolUnavailableError reports a native tool missing at preflight.
func NewToolUnavailableError(tool string, err error) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeToolUnavailable,
		Message: fmt.Sprintf("required tool %q is not available", tool),
		Err:     err,
	}).WithDetail("tool", tool)
}

// NewToolExecutionError wraps a failed command. Output captured in a
// runner.ExitError is kept in Details.
func NewToolExecutionError(message string, err error) *EngineError {
	e := &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeToolExecution,
		Message: message,
		Err:     err,
	}

	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		e.WithDetail("argv", exitErr.Argv).
			WithDetail("exit_code", exitErr.ExitCode).
			WithDetail("stdout", exitErr.Stdout).
			WithDetail("stderr", exitErr.Stderr)
		if exitErr.TimedOut {
			e.Class = ErrorClassTransient
			e.Code = ErrCodeTimeout
		}
	}
	return e
}

// NewUnsupportedOperationError reports an action a provider never supports.
func NewUnsupportedOperationError(provider string, action Action) *EngineError {
	return (&EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeUnsupportedOperation,
		Message:   fmt.Sprintf("provider %s does not support action %s", provider, action),
		Operation: string(action),
	}).WithDetail("provider", provider)
}

// NewValidationError reports an invalid declaration.
func NewValidationError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// FromToolError classifies an error returned by a runner or backend.
// Errors that are already classified are returned unchanged.
func FromToolError(message string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	var missing *runner.ToolMissingError
	if errors.As(err, &missing) {
		return NewToolUnavailableError(missing.Tool, err)
	}
	return NewToolExecutionError(message, err)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if the error is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAmbiguous returns true if the error is an ambiguous resolution.
func IsAmbiguous(err error) bool { return hasCode(err, ErrCodeAmbiguous) }

// IsToolUnavailable returns true if a required tool is missing.
func IsToolUnavailable(err error) bool { return hasCode(err, ErrCodeToolUnavailable) }

// IsToolExecution returns true if a command failed or timed out.
func IsToolExecution(err error) bool {
	return hasCode(err, ErrCodeToolExecution) || hasCode(err, ErrCodeTimeout)
}

// IsUnsupportedOperation returns true for unsupported actions.
func IsUnsupportedOperation(err error) bool { return hasCode(err, ErrCodeUnsupportedOperation) }

// IsValidation returns true for declaration errors.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// ErrorCode returns the code of a classified error, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}
