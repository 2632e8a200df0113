package compose

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation error")
	// ErrInvalidCategory is returned for an unrecognized category tag.
	ErrInvalidCategory = errors.New("invalid category")
	// ErrSink is wrapped by every *SinkError.
	ErrSink = errors.New("avatar sink error")
)

// ValidationError describes a rejected setter call. The composition is left
// untouched when one is returned.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SinkError wraps a failure raised by the avatar while applying one channel.
type SinkError struct {
	Channel string
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("apply channel %q: %v", e.Channel, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{ErrSink, e.Err} }
