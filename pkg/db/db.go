package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultTimeout is used when executing queries to avoid leaking resources on hung calls.
	DefaultTimeout = 5 * time.Second
	// DefaultAcquireTimeout bounds how long an operation waits for a free connection.
	DefaultAcquireTimeout = 2 * time.Second
	// DefaultMaxConns is the pool size used when Options.MaxConns is unset.
	DefaultMaxConns = 10
)

// ErrConnectionUnavailable is returned when no connection could be acquired in
// time or the connection failed in a way worth retrying.
var ErrConnectionUnavailable = errors.New("db: connection unavailable")

// Options configures the connection pool.
type Options struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	AcquireTimeout time.Duration
}

// Conn is the subset of a pooled connection used by repositories.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a bounded, shared set of connections with scoped acquisition.
type Pool struct {
	pgx            *pgxpool.Pool
	acquireTimeout time.Duration
	acquire        func(ctx context.Context) (Conn, func(), error)
}

// Open creates a new pgx connection pool using the provided options.
func Open(ctx context.Context, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}

	// Prefer simple protocol for compatibility with tools like goose.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	cfg.MaxConns = DefaultMaxConns
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: create pool: %w", err)
	}

	p := NewPool(pool, opts.AcquireTimeout)
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return p, nil
}

// NewPool wraps an existing pgx pool.
func NewPool(pool *pgxpool.Pool, acquireTimeout time.Duration) *Pool {
	p := newPool(acquireTimeout, func(ctx context.Context) (Conn, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Release, nil
	})
	p.pgx = pool
	return p
}

func newPool(acquireTimeout time.Duration, acquire func(context.Context) (Conn, func(), error)) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Pool{acquireTimeout: acquireTimeout, acquire: acquire}
}

// PGX exposes the underlying pgx pool.
func (p *Pool) PGX() *pgxpool.Pool {
	return p.pgx
}

// Close closes every connection in the pool.
func (p *Pool) Close() {
	if p.pgx != nil {
		p.pgx.Close()
	}
}

// WithConnection acquires a connection, runs fn and releases the connection on
// every exit path. Acquisition waits at most the configured acquire timeout.
func (p *Pool) WithConnection(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	conn, release, err := p.acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: acquire: %w", ErrConnectionUnavailable, err)
	}
	defer release()

	if err := fn(ctx, conn); err != nil {
		if IsTransient(err) && !errors.Is(err, ErrConnectionUnavailable) {
			return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
		}
		return err
	}
	return nil
}

// WithTimeout applies a custom timeout when executing operations using the provided function.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Ping checks that a pooled connection can run a trivial statement.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConnection(ctx, func(ctx context.Context, conn Conn) error {
		return WithTimeout(ctx, DefaultTimeout, func(ctx context.Context) error {
			_, err := conn.Exec(ctx, "SELECT 1")
			return err
		})
	})
}
