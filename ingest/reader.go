package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/metrics"
)

// Format names an input encoding.
type Format string

const (
	FormatSyslog  Format = "syslog"
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// MaxLineSize bounds a single line of line oriented input.
const MaxLineSize = 1 << 20

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSyslog, FormatJSON, FormatMsgpack:
		return f, nil
	case "":
		return FormatSyslog, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Reader decodes records from a stream. Malformed entries are logged,
// counted and skipped.
type Reader struct {
	format  Format
	clock   core.Clock
	logger  *zap.SugaredLogger
	scanner *bufio.Scanner
	dec     *msgpack.Decoder

	line      int
	malformed int
}

// NewReader creates a reader of format over r.
func NewReader(r io.Reader, format Format, clock core.Clock, logger *zap.SugaredLogger) *Reader {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	rd := &Reader{format: format, clock: clock, logger: logger}
	if format == FormatMsgpack {
		rd.dec = msgpack.NewDecoder(bufio.NewReader(r))
	} else {
		rd.scanner = bufio.NewScanner(r)
		rd.scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	}
	return rd
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (*core.Record, error) {
	if r.dec != nil {
		return r.nextMsgpack()
	}
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var (
			rec *core.Record
			err error
		)
		switch r.format {
		case FormatJSON:
			rec, err = ParseJSON([]byte(line), r.clock.Now())
		default:
			rec, err = ParseSyslog(line, r.clock.Now())
		}
		if err != nil {
			r.skip(err)
			continue
		}
		metrics.RecordsIngested.WithLabelValues(string(r.format)).Inc()
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return nil, io.EOF
}

func (r *Reader) nextMsgpack() (*core.Record, error) {
	r.line++
	rec, err := decodeMsgpack(r.dec, r.clock.Now())
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		// the stream cannot be resynchronized after a decode error
		r.skip(err)
		return nil, err
	}
	metrics.RecordsIngested.WithLabelValues(string(r.format)).Inc()
	return rec, nil
}

func (r *Reader) skip(err error) {
	r.malformed++
	metrics.RecordsIngested.WithLabelValues("malformed").Inc()
	r.logger.Warnw("Skipping malformed input", "format", r.format, "entry", r.line, "error", err)
}

// Malformed returns how many entries were skipped.
func (r *Reader) Malformed() int {
	return r.malformed
}
