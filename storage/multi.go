package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/metrics"
)

// MultiSink fans records out to several sinks. A failing sink does not
// stop delivery to the others.
type MultiSink struct {
	sinks  []Sink
	logger *zap.SugaredLogger
}

// NewMultiSink combines sinks, skipping nil entries.
func NewMultiSink(logger *zap.SugaredLogger, sinks ...Sink) (*MultiSink, error) {
	m := &MultiSink{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	if len(m.sinks) == 0 {
		return nil, ErrNoSinks
	}
	return m, nil
}

func (m *MultiSink) Name() string { return "multi" }

// Sinks returns the combined sinks.
func (m *MultiSink) Sinks() []Sink { return m.sinks }

// Write delivers records to every sink and joins their errors.
func (m *MultiSink) Write(ctx context.Context, records []*core.Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, records); err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			m.logger.Errorw("Sink write failed", "sink", s.Name(), "records", len(records), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Querier returns the first sink that can read back synthetic records.
func (m *MultiSink) Querier() (SyntheticQuerier, bool) {
	for _, s := range m.sinks {
		if q, ok := s.(SyntheticQuerier); ok {
			return q, true
		}
	}
	return nil, false
}
