package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidLocation  = errors.New("invalid location")
	ErrBadRequest       = errors.New("bad request")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("driver unavailable")
	ErrNotModified      = errors.New("not modified")
	ErrNotFound         = errors.New("not found")

	// ErrVersionConflict is returned by repositories when an optimistic write loses.
	ErrVersionConflict = errors.New("version conflict")
)

// FieldError carries a structured reason for a rejected call. Kind is one of
// the sentinel errors above so callers can use errors.Is.
type FieldError struct {
	Kind    error
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return e.Kind }

// Reject builds a FieldError.
func Reject(kind error, field, message string) error {
	return &FieldError{Kind: kind, Field: field, Message: message}
}

// Reason extracts field and message for rendering. Errors that are not a
// FieldError report their text as the message.
func Reason(err error) (field, message string) {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field, fe.Message
	}
	return "", err.Error()
}
