// Package errors defines the typed error model shared by every layer of the
// engine. Errors carry a Kind so callers can branch on the category of a
// failure without inspecting messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error by failure class rather than by Go type.
type Kind string

const (
	// KindConfig covers missing required fields, invalid URLs and
	// out-of-range thresholds. Always fatal at initialization.
	KindConfig Kind = "CONFIG"

	// KindTransport covers timeouts, refused connections and non-2xx
	// responses from external services.
	KindTransport Kind = "TRANSPORT"

	// KindData covers malformed backend responses, unexpected vector
	// dimensions and JSON parse failures.
	KindData Kind = "DATA"

	// KindPolicy covers refusals such as attempting to persist secret
	// content. Terminal; never side-effects.
	KindPolicy Kind = "POLICY"

	// KindSemantic covers domain outcomes reported as errors, e.g. a
	// duplicate store without merge.
	KindSemantic Kind = "SEMANTIC"

	// KindResource covers exhausted budgets and full caches.
	KindResource Kind = "RESOURCE"
)

// AppError is the engine's error type. Op names the adapter or service that
// produced the error; Field optionally names the offending input. Messages
// must never embed secrets or payload content.
type AppError struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	switch {
	case e.Err != nil && e.Field != "":
		return fmt.Sprintf("%s: %s: %s (%s): %v", e.Kind, e.Op, e.Message, e.Field, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s (%s)", e.Kind, e.Op, e.Message, e.Field)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	}
}

// Unwrap allows errors.Is and errors.As to work through wrapping.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewConfig creates a configuration error for the given field.
func NewConfig(op, field, message string) error {
	return &AppError{Kind: KindConfig, Op: op, Field: field, Message: message}
}

// NewTransport creates a transport error wrapping the underlying cause.
func NewTransport(op, message string, err error) error {
	return &AppError{Kind: KindTransport, Op: op, Message: message, Err: err}
}

// NewData creates a data error for malformed external responses.
func NewData(op, message string, err error) error {
	return &AppError{Kind: KindData, Op: op, Message: message, Err: err}
}

// NewPolicy creates a policy error.
func NewPolicy(op, message string) error {
	return &AppError{Kind: KindPolicy, Op: op, Message: message}
}

// NewSemantic creates a semantic error.
func NewSemantic(op, message string) error {
	return &AppError{Kind: KindSemantic, Op: op, Message: message}
}

// NewResource creates a resource-exhaustion error.
func NewResource(op, message string) error {
	return &AppError{Kind: KindResource, Op: op, Message: message}
}

// Wrap adds operation context to an error, preserving its kind when it is
// already an AppError and classifying it as transport otherwise.
func Wrap(err error, op, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Op:      op,
			Field:   appErr.Field,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}
	return &AppError{Kind: KindTransport, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err, or an empty Kind for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Kind("")
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return IsKind(err, KindConfig) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return IsKind(err, KindTransport) }

// IsData reports whether err is a data error.
func IsData(err error) bool { return IsKind(err, KindData) }

// IsPolicy reports whether err is a policy error.
func IsPolicy(err error) bool { return IsKind(err, KindPolicy) }

// IsSemantic reports whether err is a semantic error.
func IsSemantic(err error) bool { return IsKind(err, KindSemantic) }

// IsResource reports whether err is a resource error.
func IsResource(err error) bool { return IsKind(err, KindResource) }
