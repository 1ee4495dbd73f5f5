package ingest

import "errors"

var (
	// ErrEmptyLine is returned for blank input lines, which readers skip
	ErrEmptyLine = errors.New("empty line")

	// ErrMalformedInput is returned when a record cannot be decoded
	ErrMalformedInput = errors.New("malformed input")

	// ErrUnknownFormat is returned for input formats no decoder exists for
	ErrUnknownFormat = errors.New("unknown input format")
)
