package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{}

func (stubConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (stubConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (stubConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

type countingPool struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (c *countingPool) pool(timeout time.Duration) *Pool {
	return newPool(timeout, func(ctx context.Context) (Conn, func(), error) {
		c.acquired.Add(1)
		return stubConn{}, func() { c.released.Add(1) }, nil
	})
}

func TestWithConnectionReleases(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		fn      func(ctx context.Context, cancel context.CancelFunc) error
		wantErr error
	}{
		{
			name: "success",
			fn:   func(context.Context, context.CancelFunc) error { return nil },
		},
		{
			name:    "operation error",
			fn:      func(context.Context, context.CancelFunc) error { return boom },
			wantErr: boom,
		},
		{
			name: "canceled mid operation",
			fn: func(ctx context.Context, cancel context.CancelFunc) error {
				cancel()
				<-ctx.Done()
				return ctx.Err()
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var counts countingPool
			p := counts.pool(time.Second)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := p.WithConnection(ctx, func(ctx context.Context, _ Conn) error {
				return tt.fn(ctx, cancel)
			})
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.EqualValues(t, 1, counts.acquired.Load())
			assert.EqualValues(t, 1, counts.released.Load())
		})
	}
}

func TestWithConnectionReleasesOnPanic(t *testing.T) {
	var counts countingPool
	p := counts.pool(time.Second)

	assert.Panics(t, func() {
		_ = p.WithConnection(context.Background(), func(context.Context, Conn) error {
			panic("handler bug")
		})
	})
	assert.EqualValues(t, 1, counts.released.Load())
}

func TestWithConnectionExhausted(t *testing.T) {
	p := newPool(20*time.Millisecond, func(ctx context.Context) (Conn, func(), error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	start := time.Now()
	err := p.WithConnection(context.Background(), func(context.Context, Conn) error {
		t.Fatal("operation must not run without a connection")
		return nil
	})
	require.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithConnectionCanceledBeforeAcquire(t *testing.T) {
	var counts countingPool
	p := counts.pool(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.WithConnection(ctx, func(context.Context, Conn) error { return nil })
	require.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.Zero(t, counts.acquired.Load())
}

func TestWithConnectionWrapsTransient(t *testing.T) {
	var counts countingPool
	p := counts.pool(time.Second)

	shutdown := &pgconn.PgError{Code: codeAdminShutdown, Message: "terminating connection due to administrator command"}
	err := p.WithConnection(context.Background(), func(context.Context, Conn) error { return shutdown })
	require.ErrorIs(t, err, ErrConnectionUnavailable)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, codeAdminShutdown, pgErr.Code)
}

func TestPingUsesConnection(t *testing.T) {
	var counts countingPool
	p := counts.pool(time.Second)

	require.NoError(t, p.Ping(context.Background()))
	assert.EqualValues(t, 1, counts.released.Load())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		unique          bool
		integrity       bool
		transient       bool
		duplicateSchema bool
	}{
		{name: "nil"},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, unique: true, integrity: true, duplicateSchema: true},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502"}, integrity: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), unique: true, integrity: true, duplicateSchema: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, transient: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, transient: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}},
		{name: "duplicate schema", err: &pgconn.PgError{Code: "42P06"}, duplicateSchema: true},
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "canceled", err: context.Canceled},
		{name: "pool exhausted", err: fmt.Errorf("%w: acquire", ErrConnectionUnavailable), transient: true},
		{name: "plain", err: errors.New("syntax")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unique, IsUniqueViolation(tt.err))
			assert.Equal(t, tt.integrity, IsIntegrityViolation(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.duplicateSchema, isDuplicateSchema(tt.err))
		})
	}
}
