package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"patterndb/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS synthetic_records (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	origin     TEXT NOT NULL,
	rule_id    TEXT NOT NULL DEFAULT '',
	class      TEXT NOT NULL DEFAULT '',
	context_id TEXT NOT NULL DEFAULT '',
	program    TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	fields     TEXT NOT NULL,
	tags       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synthetic_records_rule ON synthetic_records(rule_id, ts);
`

// SQLiteSink archives synthetic records in a SQLite table. Original
// records are not stored.
type SQLiteSink struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
}

// configureSQLiteConnection enables WAL mode, foreign keys and a busy
// timeout, then checks the journal mode took.
func configureSQLiteConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	return nil
}

// NewSQLiteSink opens or creates the archive at dbPath. ":memory:" keeps
// the archive in memory for the life of the sink.
func NewSQLiteSink(dbPath string, logger *zap.SugaredLogger) (*SQLiteSink, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("invalid database path: empty")
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// single writer; the one connection also holds an in-memory database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := configureSQLiteConnection(db, dbPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Infow("SQLite archive opened", "path", dbPath)
	return &SQLiteSink{db: db, path: dbPath, logger: logger}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Write inserts the synthetic records in one transaction. Records already
// archived are ignored.
func (s *SQLiteSink) Write(ctx context.Context, records []*core.Record) error {
	var synthetic []*core.Record
	for _, rec := range records {
		if rec.IsSynthetic() {
			synthetic = append(synthetic, rec)
		}
	}
	if len(synthetic) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO synthetic_records
		(id, ts, origin, rule_id, class, context_id, program, message, fields, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range synthetic {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of %s: %w", rec.ID, err)
		}
		tags := rec.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags of %s: %w", rec.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			rec.ID.String(), rec.Timestamp.UnixNano(), rec.Origin.String(),
			rec.Value(core.FieldRuleID), rec.Value(core.FieldClass), rec.Value(core.FieldContextID),
			rec.Program(), rec.Message(), string(fields), string(tagsJSON))
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	countEmitted(s.Name(), synthetic)
	return nil
}

// RecentSynthetic returns up to limit archived records, newest first. An
// empty ruleID matches every rule.
func (s *SQLiteSink) RecentSynthetic(ctx context.Context, ruleID string, limit int) ([]*core.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, origin, fields, tags FROM synthetic_records`
	args := []interface{}{}
	if ruleID != "" {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query synthetic records: %w", err)
	}
	defer rows.Close()

	var out []*core.Record
	for rows.Next() {
		var (
			id, origin, fields, tags string
			ts                       int64
		)
		if err := rows.Scan(&id, &ts, &origin, &fields, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan synthetic record: %w", err)
		}
		rec := core.NewRecord(time.Unix(0, ts).UTC())
		if err := rec.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("invalid record id %q: %w", id, err)
		}
		if err := rec.Origin.UnmarshalText([]byte(origin)); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of archived records.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM synthetic_records`).Scan(&n)
	return n, err
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
