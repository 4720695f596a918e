// Package session defines the session record store contract shared by every
// backend, along with its error taxonomy, identifier generation and the
// storage codec for session payloads.
package session

import (
	"context"
	"time"
)

// MaxCreateAttempts bounds the identifier collision retry loop in Create.
const MaxCreateAttempts = 10

// Record is a single persisted session.
type Record struct {
	ID     string
	Data   []byte
	Expiry time.Time
}

// Store persists opaque session payloads keyed by store-generated identifiers.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create stores data under a freshly generated identifier and returns it.
	Create(ctx context.Context, data []byte, expiry time.Time) (string, error)
	// Load returns the record for id, or ErrNotFound when it is absent or
	// its expiry is not strictly after the current time.
	Load(ctx context.Context, id string) (Record, error)
	// Save inserts or fully replaces the record for id in one atomic step.
	Save(ctx context.Context, id string, data []byte, expiry time.Time) error
	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// PurgeExpired removes every record whose expiry is at or before now and
	// reports how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// NormalizeExpiry converts t to UTC at microsecond precision, the resolution
// PostgreSQL keeps for timestamptz.
func NormalizeExpiry(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
