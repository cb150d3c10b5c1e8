package inference

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies a failed operation for callers.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindProviderNotFound ErrorKind = "provider_not_found"
	KindProviderInactive ErrorKind = "provider_inactive"
	KindPaymentInvalid   ErrorKind = "payment_invalid"
	KindInferenceFailed  ErrorKind = "inference_failed"
	KindPersistence      ErrorKind = "persistence"
)

// Error is the structured failure returned by the orchestrator.
type Error struct {
	Kind    ErrorKind
	Message string
	// RequestID is set once a request record exists.
	RequestID uuid.UUID
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("inference: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("inference: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to persistence for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
