// Package apperr defines the error taxonomy shared by the scoring engine,
// the optimizer and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindConfiguration  Kind = "CONFIGURATION_ERROR"
	KindDataIncomplete Kind = "DATA_INCOMPLETE"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
)

// Error is a classified error. Field is optional and names the offending
// input (a dimension, a config field, a plan id).
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Field == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrDataIncomplete = &Error{Kind: KindDataIncomplete}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
)

func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// DataIncomplete reports a missing scoring input, naming the dimension.
func DataIncomplete(dimension, format string, args ...any) error {
	return &Error{Kind: KindDataIncomplete, Field: dimension, Message: fmt.Sprintf(format, args...)}
}

func Validation(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) error {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s with id '%s' not found", resource, id)
	}
	return &Error{Kind: KindNotFound, Message: msg}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FieldOf returns the Field of the first classified error in the chain.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
