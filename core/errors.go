package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPattern is returned when a pattern token cannot be parsed
	ErrMalformedPattern = errors.New("malformed pattern")

	// ErrInvalidEnum is returned when an enumerated setting has an unknown value
	ErrInvalidEnum = errors.New("invalid enumerated value")

	// ErrUnresolvedReference is returned by templates that referenced a missing field
	ErrUnresolvedReference = errors.New("unresolved template reference")
)

// PatternSyntaxError describes a malformed typed token inside a pattern.
type PatternSyntaxError struct {
	Pattern string
	Offset  int
	Reason  string
}

func (e *PatternSyntaxError) Error() string {
	return fmt.Sprintf("malformed pattern %q at offset %d: %s", e.Pattern, e.Offset, e.Reason)
}

func (e *PatternSyntaxError) Unwrap() error {
	return ErrMalformedPattern
}

func (e *PatternSyntaxError) Is(target error) bool {
	return target == ErrMalformedPattern
}

// UnresolvedError names the template references that rendered empty.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved template reference: %v", e.Names)
}

func (e *UnresolvedError) Unwrap() error {
	return ErrUnresolvedReference
}
