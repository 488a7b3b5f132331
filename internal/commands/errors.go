// Package commands implements the command lane: a static registry of
// named commands with capability checks, argument validation, and
// per-client rate limiting.
package commands

import "fmt"

// Error codes surfaced in error responses.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeAuthorization   = "AUTHORIZATION_ERROR"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodeInfraProtocol   = "INFRA_PROTOCOL_ERROR"
	CodeExecution       = "EXECUTION_ERROR"
)

// Error is a command failure with its response error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validationf builds a VALIDATION_ERROR.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorizationf builds an AUTHORIZATION_ERROR.
func Authorizationf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// FeatureDisabledf builds a FEATURE_DISABLED error.
func FeatureDisabledf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeFeatureDisabled, Message: fmt.Sprintf(format, args...)}
}

// Executionf builds an EXECUTION_ERROR.
func Executionf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeExecution, Message: fmt.Sprintf(format, args...)}
}

// AsError maps any error onto a command Error, defaulting to
// EXECUTION_ERROR for plain errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if cmdErr, ok := err.(*Error); ok {
		return cmdErr
	}
	return &Error{Code: CodeExecution, Message: err.Error()}
}
