package protocol

import (
	"errors"
	"fmt"
)

// Wire error codes. The set is closed; hosts plugging in validators and
// resolvers pick from these.
const (
	CodeParseError       = "parse_error"
	CodeValidationError  = "validation_error"
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeExecutionError   = "execution_error"
	CodePatchApplication = "patch_application_error"
	CodeInternalError    = "internal_error"
)

// Error is the wire-level error payload. It implements error so handlers
// can return it directly and have the dispatcher serialize it unchanged.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds a wire error with the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a wire error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a wire error. Errors that already are (or
// wrap) *Error pass through; everything else becomes the given fallback
// code with the error text as message.
func AsError(err error, fallbackCode string) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Code: fallbackCode, Message: err.Error()}
}
