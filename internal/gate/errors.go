package gate

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeValidationRejected Code = "VALIDATION_REJECTED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeTranslationFailed  Code = "TRANSLATION_FAILED"
	CodeTranslationTimeout Code = "TRANSLATION_TIMEOUT"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodeNotConfigured      Code = "NOT_CONFIGURED"
	CodeArchiveFailed      Code = "ARCHIVE_FAILED"
)

// Error is a user-visible failure. Message and Details never carry
// credentials or internal stack detail; the cause stays in Err for logs.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a gate Error from err.
func AsError(err error) (*Error, bool) {
	var gateErr *Error
	if errors.As(err, &gateErr) {
		return gateErr, true
	}
	return nil, false
}

// CodeOf returns the gate error code of err, or "" for errors that are not
// user-visible gate failures.
func CodeOf(err error) Code {
	if gateErr, ok := AsError(err); ok {
		return gateErr.Code
	}
	return ""
}
