// Package weightstore provides the in-memory read-through, write-back
// cache for learned detector weights and patterns, plus the durable
// stores it flushes to.
package weightstore

import (
	"context"
	"time"
)

// Entry is one learned weight/pattern record.
type Entry struct {
	// Signature is the detector-defined key (e.g. a hashed request shape).
	Signature string
	// Value is the learned weight or pattern payload.
	Value string
	// Confidence is the highest confidence ever written for this signature.
	Confidence float32
	// Count is how many times this signature has been written.
	Count uint64
	// LastWrite is when the signature was last written.
	LastWrite time.Time
}

// DurableStore is the persistence boundary for learned entries. The
// request path only ever sees it through Cache.Load; the flusher and
// cold-start warm-up own the rest.
type DurableStore interface {
	// LoadAll returns every persisted entry.
	LoadAll(ctx context.Context) ([]Entry, error)

	// LoadOne returns a single persisted entry. ok is false when the
	// signature has never been flushed.
	LoadOne(ctx context.Context, signature string) (e Entry, ok bool, err error)

	// SaveBatch upserts the given entries atomically where the backend
	// allows it. A returned error means none of the entries may be
	// considered flushed.
	SaveBatch(ctx context.Context, entries []Entry) error

	// Close releases the underlying connection.
	Close() error
}

// Observer receives cache telemetry. Implementations must be cheap; the
// read hooks run on the request path.
type Observer interface {
	ObserveCacheRead(hit bool)
	ObserveFlush(batch int, err error)
}
