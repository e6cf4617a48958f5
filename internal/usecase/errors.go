package usecase

import "fmt"

// ErrorCode classifies a failed turn for the caller.
type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorSynthesis    ErrorCode = "SYNTHESIS_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is returned by Pipeline.Respond. Reason is a stable snake_case tag
// suitable for logs; Err carries the underlying cause when there is one.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Fallback names the canned utterance spoken when the completion provider
// could not produce an answer.
type Fallback string

const (
	FallbackNone        Fallback = ""
	FallbackTimeout     Fallback = "completion_timeout"
	FallbackUnavailable Fallback = "completion_unavailable"
)
