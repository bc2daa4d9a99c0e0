package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent matches every *MalformedEventError.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnsupportedRecord is returned when publishing a record of unknown type.
	ErrUnsupportedRecord = errors.New("unsupported inbound record")
)

// MalformedEventError reports a recognized event missing a required field.
type MalformedEventError struct {
	Kind  EventKind
	Field string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: missing %s", e.Kind, e.Field)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}
