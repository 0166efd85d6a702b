// Package apperr classifies saga failures into a small set of kinds that
// decide whether a caller retries, and carries a stable reason for clients.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

const (
	KindValidation          = "validation"
	KindConflict            = "conflict"
	KindNotFound            = "not_found"
	KindExternalUnavailable = "external_unavailable"
	KindExternalRejected    = "external_rejected"
	KindInternal            = "internal"
)

const (
	ReasonDimensionsMissing     = "dimensions_missing"
	ReasonRateUnavailable       = "rate_unavailable"
	ReasonLabelGenerationFailed = "label_generation_failed"
	ReasonNotOwner              = "not_owner"
	ReasonStaleEvent            = "stale_event"
)

// Error is a classified failure. Reason is machine readable, Message is for humans.
type Error struct {
	Kind    string
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

func Validation(reason, msg string) error { return newErr(KindValidation, reason, msg) }
func Conflict(reason, msg string) error   { return newErr(KindConflict, reason, msg) }
func NotFound(reason, msg string) error   { return newErr(KindNotFound, reason, msg) }

func Unavailable(reason string, err error) error {
	return &Error{Kind: KindExternalUnavailable, Reason: reason, Message: "provider unavailable", Err: err}
}

func Rejected(reason string, err error) error {
	return &Error{Kind: KindExternalRejected, Reason: reason, Message: "provider rejected request", Err: err}
}

// Kind returns the classification of err. Bare context errors count as
// external_unavailable: the only blocking calls here are provider calls and
// those are retryable.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindExternalUnavailable
	default:
		return KindInternal
	}
}

// Reason returns the stable machine-readable reason, defaulting to the kind.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return Kind(err)
}

// Message returns the human message safe to show a client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if Kind(err) == KindExternalUnavailable {
		return "provider unavailable"
	}
	return "internal error"
}

func Is(err error, kind string) bool {
	return err != nil && Kind(err) == kind
}

var reasonToStatus = map[string]int{
	ReasonNotOwner:              http.StatusForbidden,
	ReasonDimensionsMissing:     http.StatusUnprocessableEntity,
	ReasonRateUnavailable:       http.StatusUnprocessableEntity,
	ReasonLabelGenerationFailed: http.StatusBadGateway,
}

var kindToStatus = map[string]int{
	KindValidation:          http.StatusBadRequest,
	KindConflict:            http.StatusConflict,
	KindNotFound:            http.StatusNotFound,
	KindExternalUnavailable: http.StatusServiceUnavailable,
	KindExternalRejected:    http.StatusUnprocessableEntity,
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := reasonToStatus[Reason(err)]; ok {
		return s
	}
	if s, ok := kindToStatus[Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
