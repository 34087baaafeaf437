package errutil

import (
	"context"
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    Kind     `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
	Err     error    `json:"-"`
}

func (e BaseError) Status() Kind {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// SafeMessage is the short, non-sensitive description suitable for storing in
// a task's last_error or returning to callers. Wrapped causes are excluded.
func (e BaseError) SafeMessage() string {
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code Kind, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func Recoverable(msg string, opts ...Option) error {
	return New(KindRecoverable, msg, opts...)
}

func NonRecoverable(msg string, opts ...Option) error {
	return New(KindNonRecoverable, msg, opts...)
}

func ReviewRequired(msg string, opts ...Option) error {
	return New(KindReviewRequired, msg, opts...)
}

func BadRequest(msg string, opts ...Option) error {
	return New(KindBadRequest, msg, opts...)
}

func NotFound(msg string, opts ...Option) error {
	return New(KindNotFound, msg, opts...)
}

func Conflict(msg string, opts ...Option) error {
	return New(KindConflict, msg, opts...)
}

func Internal(msg string, opts ...Option) error {
	return New(KindInternal, msg, opts...)
}

// KindOf extracts the Kind from an error chain; ok is false when the error
// carries no classification.
func KindOf(err error) (Kind, bool) {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code, true
	}
	return KindUnknown, false
}

// ClassifyExecution maps any agent failure onto an execution kind. Timeouts
// and cancellations count as recoverable; an unclassified error is treated as
// recoverable so the dispatcher fails toward retry rather than dropping work.
func ClassifyExecution(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRecoverable
	}
	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindRecoverable, KindNonRecoverable, KindReviewRequired:
			return kind
		}
	}
	return KindRecoverable
}

// SafeMessageOf returns the non-sensitive description of err, falling back to
// a generic label for unclassified errors so raw causes never leak to callers.
func SafeMessageOf(err error) string {
	var be BaseError
	if errors.As(err, &be) {
		return be.SafeMessage()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "attempt timed out"
	}
	return "unexpected execution failure"
}
