package conversation

import (
	"context"
	"errors"
	"fmt"

	"couple-talk/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

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
		return fmt.Sprintf("conversation: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("conversation: %s (%s): %v", e.Code, e.Reason, e.Err)
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

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// upstreamError classifies an LLM failure. Timeouts and transport errors are
// the same failure class as any other upstream error.
func upstreamError(op string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, op+"_rate_limited", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstream, op+"_timeout", err)
	}
	return newError(ErrorUpstream, op+"_error", err)
}

// storeError maps a collaborator store failure, surfacing missing sessions as
// NOT_FOUND instead of an empty result.
func storeError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, "session_not_found", err)
	}
	return newError(ErrorInternal, reason, err)
}
