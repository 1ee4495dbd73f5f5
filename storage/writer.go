package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"patterndb/core"
	"patterndb/metrics"
)

// OutputFormat names an output encoding.
type OutputFormat string

const (
	OutputJSON    OutputFormat = "json"
	OutputMsgpack OutputFormat = "msgpack"
)

// ParseOutputFormat validates an output format name. The empty string
// selects JSON.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputJSON, OutputMsgpack:
		return f, nil
	case "":
		return OutputJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOutputFormat, s)
}

// marshal encodes one record in format f. JSON output is newline
// terminated so the result can be streamed line by line.
func marshal(f OutputFormat, rec *core.Record) ([]byte, error) {
	if f == OutputMsgpack {
		return msgpack.Marshal(rec)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// unmarshal is the inverse of marshal.
func unmarshal(f OutputFormat, data []byte) (*core.Record, error) {
	var rec core.Record
	var err error
	if f == OutputMsgpack {
		err = msgpack.Unmarshal(data, &rec)
	} else {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriterSink streams records to an io.Writer, one JSON object per line or
// a sequence of MessagePack maps.
type WriterSink struct {
	name   string
	format OutputFormat
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	closed bool
}

// NewWriterSink creates a sink writing to w. If w is an io.Closer it is
// closed with the sink.
func NewWriterSink(name string, w io.Writer, format OutputFormat) *WriterSink {
	s := &WriterSink{name: name, format: format, w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *WriterSink) Name() string { return s.name }

// Write encodes records and flushes them.
func (s *WriterSink) Write(_ context.Context, records []*core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	for _, rec := range records {
		b, err := marshal(s.format, rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		if _, err := s.w.Write(b); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	countEmitted(s.name, records)
	return nil
}

// Close flushes pending output and closes the underlying writer.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func countEmitted(sink string, records []*core.Record) {
	for _, rec := range records {
		metrics.RecordsEmitted.WithLabelValues(sink, rec.Origin.String()).Inc()
	}
}
