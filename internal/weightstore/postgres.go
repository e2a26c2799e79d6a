package weightstore

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists learned entries in a Postgres table.
//
//	CREATE TABLE IF NOT EXISTS weight_patterns (
//	    signature   TEXT PRIMARY KEY,
//	    value       TEXT NOT NULL,
//	    confidence  REAL NOT NULL,
//	    occurrences BIGINT NOT NULL,
//	    last_write  TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing pool (pgx registered as the
// database/sql driver) and ensures the schema exists.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS weight_patterns (
			signature   TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			confidence  REAL NOT NULL,
			occurrences BIGINT NOT NULL,
			last_write  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// LoadAll returns every persisted entry.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]Entry, error) {
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
		if err := rows.Scan(&e.Signature, &e.Value, &e.Confidence, &e.Count, &e.LastWrite); err != nil {
			return nil, fmt.Errorf("LoadAll: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	return entries, nil
}

// LoadOne returns a single persisted entry.
func (s *PostgresStore) LoadOne(ctx context.Context, signature string) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT signature, value, confidence, occurrences, last_write
		FROM weight_patterns WHERE signature = $1`, signature).
		Scan(&e.Signature, &e.Value, &e.Confidence, &e.Count, &e.LastWrite)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("LoadOne: %w", err)
	}
	return e, true, nil
}

// SaveBatch upserts the batch in a single transaction.
func (s *PostgresStore) SaveBatch(ctx context.Context, entries []Entry) error {
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature) DO UPDATE SET
			value       = EXCLUDED.value,
			confidence  = GREATEST(weight_patterns.confidence, EXCLUDED.confidence),
			occurrences = EXCLUDED.occurrences,
			last_write  = EXCLUDED.last_write`)
	if err != nil {
		return fmt.Errorf("SaveBatch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Signature, e.Value, e.Confidence, e.Count, e.LastWrite); err != nil {
			return fmt.Errorf("SaveBatch %q: %w", e.Signature, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveBatch: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
