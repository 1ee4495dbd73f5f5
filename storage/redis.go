package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"patterndb/core"
)

// DefaultRedisKey is the list emitted records are pushed onto.
const DefaultRedisKey = "patterndb:records"

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Key      string
	// MaxLen trims the list to its newest entries; 0 keeps everything.
	MaxLen int64
	// SyntheticOnly drops original records.
	SyntheticOnly bool
	Format        OutputFormat
}

// RedisSink pushes encoded records onto a Redis list.
type RedisSink struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.SugaredLogger
}

// NewRedisSink creates a sink from opts. The connection is not checked
// until Ping or the first Write.
func NewRedisSink(opts RedisOptions, logger *zap.SugaredLogger) *RedisSink {
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.Format == "" {
		opts.Format = OutputJSON
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	return &RedisSink{client: client, opts: opts, logger: logger}
}

func (s *RedisSink) Name() string { return "redis" }

// Ping tests the Redis connection
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Write pushes records in one pipeline.
func (s *RedisSink) Write(ctx context.Context, records []*core.Record) error {
	values := make([]interface{}, 0, len(records))
	var written []*core.Record
	for _, rec := range records {
		if s.opts.SyntheticOnly && !rec.IsSynthetic() {
			continue
		}
		b, err := marshal(s.opts.Format, rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		values = append(values, b)
		written = append(written, rec)
	}
	if len(values) == 0 {
		return nil
	}

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.opts.Key, values...)
		if s.opts.MaxLen > 0 {
			p.LTrim(ctx, s.opts.Key, -s.opts.MaxLen, -1)
		}
		return nil
	})
	if err != nil {
		s.logger.Errorw("Failed to push records to Redis", "key", s.opts.Key, "count", len(values), "error", err)
		return fmt.Errorf("failed to push records: %w", err)
	}
	countEmitted(s.Name(), written)
	return nil
}

// Range decodes list entries start through stop, with Redis index
// semantics.
func (s *RedisSink) Range(ctx context.Context, start, stop int64) ([]*core.Record, error) {
	entries, err := s.client.LRange(ctx, s.opts.Key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	out := make([]*core.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := unmarshal(s.opts.Format, []byte(e))
		if err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
