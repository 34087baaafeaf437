package errutil

import "net/http"

// Kind classifies an engine error. Execution kinds decide what the dispatcher
// does with a failed attempt; surface kinds map API errors onto HTTP statuses.
type Kind string

const (
	// Execution outcomes
	KindRecoverable    Kind = "recoverable"
	KindNonRecoverable Kind = "non_recoverable"
	KindReviewRequired Kind = "review_required"

	// API surface
	KindBadRequest    Kind = "bad_request"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
	KindUnknown       Kind = "unknown"
)

func (k Kind) String() string {
	return string(k)
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRecoverable, KindNonRecoverable, KindReviewRequired, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
