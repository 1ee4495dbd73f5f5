package storage

import "errors"

// Sink error constants
var (
	// ErrSinkClosed is returned when writing to a sink after Close
	ErrSinkClosed = errors.New("sink closed")

	// ErrUnknownOutputFormat is returned for an output encoding other than json or msgpack
	ErrUnknownOutputFormat = errors.New("unknown output format")

	// ErrNoSinks is returned when a fan-out sink is built from nothing
	ErrNoSinks = errors.New("no sinks configured")
)
