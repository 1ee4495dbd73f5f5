package storage

import (
	"context"

	"patterndb/core"
)

// Sink receives the records the engine emits. Write is called with the
// records produced by a single input record or clock tick, in order.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []*core.Record) error
	Close() error
}

// SyntheticQuerier reads back archived synthetic records.
type SyntheticQuerier interface {
	RecentSynthetic(ctx context.Context, ruleID string, limit int) ([]*core.Record, error)
}
