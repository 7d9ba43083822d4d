// Package history records drop-in readings in an embedded SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	// SQLite driver
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	drop_in     TEXT    NOT NULL,
	metric      TEXT    NOT NULL,
	value       REAL    NOT NULL,
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_drop_in ON readings (drop_in, observed_at);
`

// Reading is one recorded measurement.
type Reading struct {
	DropIn     string    `json:"drop_in"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Store persists readings.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	logger.Named("history").Info("History database opened", zap.String("path", path))
	return &Store{db: db, logger: logger.Named("history")}, nil
}

// Append writes readings in a single transaction.
func (s *Store) Append(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (drop_in, metric, value, observed_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.DropIn, r.Metric, r.Value, r.ObservedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert reading %s.%s: %w", r.DropIn, r.Metric, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings: %w", err)
	}
	return nil
}

// Recent returns up to limit readings of dropIn, newest first.
func (s *Store) Recent(ctx context.Context, dropIn string, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT drop_in, metric, value, observed_at FROM readings
		 WHERE drop_in = ? ORDER BY observed_at DESC, id DESC LIMIT ?`, dropIn, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	out := []Reading{}
	for rows.Next() {
		var (
			r  Reading
			ns int64
		)
		if err := rows.Scan(&r.DropIn, &r.Metric, &r.Value, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.ObservedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
