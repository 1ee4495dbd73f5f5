package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"patterndb/config"
	"patterndb/storage"
)

// stdStream hides the Close method of os.Stdout and friends from sinks.
type stdStream struct{ io.Writer }

// OpenOutput returns the writer for path. An empty path or "-" is stdout,
// anything else is opened for appending.
func OpenOutput(path string, stdout io.Writer) (io.Writer, error) {
	if path == "" || path == "-" {
		return stdStream{stdout}, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	return f, nil
}

// OpenInput returns the reader for path. An empty path or "-" is stdin.
func OpenInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	return f, nil
}

// InitSinks builds the configured output sinks. The stream sink is always
// present; Redis and SQLite are added when enabled and reachable.
func InitSinks(ctx context.Context, cfg *config.Config, stdout io.Writer, sugar *zap.SugaredLogger) (*storage.MultiSink, error) {
	format, err := storage.ParseOutputFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	w, err := OpenOutput(cfg.Output.Path, stdout)
	if err != nil {
		return nil, err
	}
	sinks := []storage.Sink{storage.NewWriterSink("stream", w, format)}

	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if r := cfg.Output.Redis; r.Enabled {
		sink := storage.NewRedisSink(storage.RedisOptions{
			Addr:          r.Addr,
			Password:      r.Password,
			DB:            r.DB,
			PoolSize:      r.PoolSize,
			Key:           r.Key,
			MaxLen:        r.MaxLen,
			SyntheticOnly: r.SyntheticOnly,
			Format:        format,
		}, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = sink.Close()
			closeAll()
			sugar.Error(ClassifyConnectionError(err, r.Addr))
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", r.Addr, err)
		}
		sinks = append(sinks, sink)
		sugar.Infow("Redis sink connected", "addr", r.Addr, "key", r.Key)
	}

	if s := cfg.Output.SQLite; s.Enabled {
		sink, err := storage.NewSQLiteSink(s.Path, sugar)
		if err != nil {
			closeAll()
			sugar.Error(ClassifySQLiteError(err, s.Path))
			return nil, fmt.Errorf("failed to open SQLite archive: %w", err)
		}
		sinks = append(sinks, sink)
	}

	return storage.NewMultiSink(sugar, sinks...)
}
