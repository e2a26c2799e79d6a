package weightstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore is the embedded durable store for single-node deployments
// and local development. Same contract as PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and ensures the
// schema exists. WAL mode keeps readers from blocking the flusher.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}
	// Single writer; the flusher is the only one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("NewSQLiteStore: %s: %w", pragma, err)
		}
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS weight_patterns (
			signature   TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			confidence  REAL NOT NULL,
			occurrences INTEGER NOT NULL,
			last_write  INTEGER NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("NewSQLiteStore: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// LoadAll returns every persisted entry.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, value, confidence, occurrences, last_write
		FROM weight_patterns`)
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var lastWrite int64
		if err := rows.Scan(&e.Signature, &e.Value, &e.Confidence, &e.Count, &lastWrite); err != nil {
			return nil, fmt.Errorf("LoadAll: %w", err)
		}
		e.LastWrite = time.UnixMilli(lastWrite)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	return entries, nil
}

// LoadOne returns a single persisted entry.
func (s *SQLiteStore) LoadOne(ctx context.Context, signature string) (Entry, bool, error) {
	var e Entry
	var lastWrite int64
	err := s.db.QueryRowContext(ctx, `
		SELECT signature, value, confidence, occurrences, last_write
		FROM weight_patterns WHERE signature = ?`, signature).
		Scan(&e.Signature, &e.Value, &e.Confidence, &e.Count, &lastWrite)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("LoadOne: %w", err)
	}
	e.LastWrite = time.UnixMilli(lastWrite)
	return e, true, nil
}

// SaveBatch upserts the batch in a single transaction.
func (s *SQLiteStore) SaveBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveBatch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weight_patterns (signature, value, confidence, occurrences, last_write)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (signature) DO UPDATE SET
			value       = excluded.value,
			confidence  = MAX(weight_patterns.confidence, excluded.confidence),
			occurrences = excluded.occurrences,
			last_write  = excluded.last_write`)
	if err != nil {
		return fmt.Errorf("SaveBatch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Signature, e.Value, e.Confidence, e.Count, e.LastWrite.UnixMilli()); err != nil {
			return fmt.Errorf("SaveBatch %q: %w", e.Signature, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveBatch: %w", err)
	}
	return nil
}

// Close closes the database file.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
