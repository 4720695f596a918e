package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionstore/pkg/session"
	"sessionstore/pkg/session/sessiontest"
)

func TestStoreConformance(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T, ids session.IDGenerator) sessiontest.Harness {
		s := New(WithIDGenerator(ids))
		return sessiontest.Harness{
			Store: s,
			Rows:  func(*testing.T) int { return s.Len() },
		}
	})
}

func TestLoadUsesClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := s.Create(ctx, []byte("x"), now.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.Load(ctx, id)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound, "expiry equal to now is expired")

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Create(ctx, nil, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, session.ErrConnectionUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, session.IsTransient(err))
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, []byte("abc"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	got.Data[0] = 'z'

	again, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Data)
}
