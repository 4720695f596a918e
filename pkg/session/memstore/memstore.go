// Package memstore is an in-process session.Store, used as a test double
// and for single-instance deployments that do not need durability.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sessionstore/pkg/session"
)

// Store keeps session records in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]session.Record
	newID   session.IDGenerator
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithIDGenerator replaces the identifier source used by Create.
func WithIDGenerator(gen session.IDGenerator) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]session.Record),
		newID:   session.GenerateID,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ session.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, data []byte, expiry time.Time) (string, error) {
	for attempt := 1; attempt <= session.MaxCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("memstore: create: %w: %w", session.ErrConnectionUnavailable, err)
		}
		id, err := s.newID()
		if err != nil {
			return "", fmt.Errorf("memstore: create: %w: %w", session.ErrConstraintViolation, err)
		}

		s.mu.Lock()
		if _, exists := s.records[id]; !exists {
			s.records[id] = newRecord(id, data, expiry)
			s.mu.Unlock()
			return id, nil
		}
		s.mu.Unlock()
	}
	return "", fmt.Errorf("memstore: create: %w: %d attempts collided", session.ErrConstraintViolation, session.MaxCreateAttempts)
}

func (s *Store) Load(ctx context.Context, id string) (session.Record, error) {
	if err := ctx.Err(); err != nil {
		return session.Record{}, fmt.Errorf("memstore: load: %w: %w", session.ErrConnectionUnavailable, err)
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok || !rec.Expiry.After(s.now()) {
		return session.Record{}, session.ErrNotFound
	}
	rec.Data = append([]byte{}, rec.Data...)
	return rec, nil
}

func (s *Store) Save(ctx context.Context, id string, data []byte, expiry time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memstore: save: %w: %w", session.ErrConnectionUnavailable, err)
	}
	if id == "" {
		return fmt.Errorf("memstore: save: %w: empty id", session.ErrConstraintViolation)
	}

	rec := newRecord(id, data, expiry)
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memstore: delete: %w: %w", session.ErrConnectionUnavailable, err)
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("memstore: purge expired: %w: %w", session.ErrConnectionUnavailable, err)
	}

	now := s.now()
	var n int64

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if !rec.Expiry.After(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func newRecord(id string, data []byte, expiry time.Time) session.Record {
	return session.Record{
		ID:     id,
		Data:   append([]byte{}, data...),
		Expiry: session.NormalizeExpiry(expiry),
	}
}
