// Package apperr defines the typed failures surfaced by the edit and scrape
// pipelines and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidInput            Kind = "invalid_input"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindProviderFailed          Kind = "provider_failed"
	KindTimedOut                Kind = "timed_out"
	KindCanceled                Kind = "canceled"
	KindStorageFailure          Kind = "storage_failure"
	KindUnauthorized            Kind = "unauthorized"
	KindScrapeUnsupportedSource Kind = "scrape_unsupported_source"
	KindScrapeNoData            Kind = "scrape_no_data"
	KindInternal                Kind = "internal"
)

// Error is a failure with a kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message of the first *Error in err's chain, falling
// back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus maps an error onto the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindScrapeUnsupportedSource:
		return http.StatusUnprocessableEntity
	case KindScrapeNoData:
		return http.StatusNotFound
	case KindProviderUnavailable, KindProviderFailed:
		return http.StatusBadGateway
	case KindTimedOut:
		return http.StatusGatewayTimeout
	case KindCanceled:
		// nginx's "client closed request"
		return 499
	default:
		return http.StatusInternalServerError
	}
}
