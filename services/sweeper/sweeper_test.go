package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionstore/pkg/session/memstore"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestSweepOnceRemovesExpired(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	_, err := store.Create(ctx, []byte("dead"), time.Now().Add(-time.Second))
	require.NoError(t, err)
	live, err := store.Create(ctx, []byte("live"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s := New(store, Config{Interval: time.Hour, Logger: zerolog.Nop(), Registerer: reg})

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, store.Len())

	_, err = store.Load(ctx, live)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.runs.WithLabelValues("ok")))
	assert.Positive(t, testutil.ToFloat64(s.lastSuccess))
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	p := &countingPurger{}
	s := New(p, Config{Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestRunKeepsGoingAfterFailure(t *testing.T) {
	p := &countingPurger{err: errors.New("connection refused")}
	s := New(p, Config{Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.runs.WithLabelValues("error")), 1.0)
}

func TestDefaultInterval(t *testing.T) {
	s := New(&countingPurger{}, Config{})
	assert.Equal(t, DefaultInterval, s.interval)
}
