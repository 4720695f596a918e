// Package pgstore is the PostgreSQL implementation of session.Store.
//
// Every operation is a single statement on one pooled connection; atomicity
// and ordering come from PostgreSQL. The Store itself holds no mutable state
// beyond the pool handle and is safe for concurrent use.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sessionstore/pkg/db"
	"sessionstore/pkg/session"
)

const tracerName = "sessionstore/pkg/session/pgstore"

// Pool runs fn on a pooled connection and releases it afterwards.
type Pool interface {
	WithConnection(ctx context.Context, fn func(ctx context.Context, conn db.Conn) error) error
}

// Store persists session records in a single PostgreSQL table.
type Store struct {
	pool    Pool
	table   string
	queries queries

	codec     *session.Codec
	ownsCodec bool
	newID     session.IDGenerator
	now       func() time.Time
	timeout   time.Duration
	metrics   *Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
}

type queries struct {
	insert string
	upsert string
	load   string
	delete string
	purge  string
}

func buildQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf(`INSERT INTO %s (id, data, expiry_date) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, table),
		upsert: fmt.Sprintf(`
INSERT INTO %s (id, data, expiry_date) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET data = excluded.data,
    expiry_date = excluded.expiry_date`, table),
		load:   fmt.Sprintf(`SELECT data, expiry_date FROM %s WHERE id = $1 AND expiry_date > $2`, table),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table),
		purge:  fmt.Sprintf(`DELETE FROM %s WHERE expiry_date <= $1`, table),
	}
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

// WithClock replaces the time source used for expiry filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodec sets the payload codec. The Store does not close it.
func WithCodec(c *session.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger for collision and failure reports.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithStatementTimeout bounds each statement's round trip.
func WithStatementTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a Store over pool using the table named by schema. The schema
// is expected to exist already; see db.EnsureSchema.
func New(pool Pool, schema db.Schema, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: nil pool provided")
	}
	if schema.Name() == "" {
		schema = db.DefaultSchema()
	}

	s := &Store{
		pool:    pool,
		table:   schema.QualifiedTable(),
		newID:   session.GenerateID,
		now:     time.Now,
		timeout: db.DefaultTimeout,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
	}
	s.queries = buildQueries(s.table)
	for _, opt := range opts {
		opt(s)
	}

	if s.codec == nil {
		codec, err := session.NewCodec()
		if err != nil {
			return nil, fmt.Errorf("pgstore: %w", err)
		}
		s.codec = codec
		s.ownsCodec = true
	}
	return s, nil
}

// Close releases the codec when New created it. The pool is left to its owner.
func (s *Store) Close() {
	if s.ownsCodec {
		s.codec.Close()
		s.ownsCodec = false
	}
}

var _ session.Store = (*Store)(nil)

// Create inserts data under a freshly generated id. A generated id that is
// already taken is replaced and retried, up to session.MaxCreateAttempts
// times, on the same connection.
func (s *Store) Create(ctx context.Context, data []byte, expiry time.Time) (id string, err error) {
	ctx, done := s.start(ctx, "create")
	defer func() { done(err) }()

	stored, err := s.codec.Encode(data)
	if err != nil {
		return "", wrap("create", err)
	}
	expiry = session.NormalizeExpiry(expiry)

	err = s.pool.WithConnection(ctx, func(ctx context.Context, conn db.Conn) error {
		for attempt := 1; attempt <= session.MaxCreateAttempts; attempt++ {
			candidate, err := s.newID()
			if err != nil {
				return err
			}

			inserted, err := s.insert(ctx, conn, candidate, stored, expiry)
			if err != nil && !db.IsUniqueViolation(err) {
				return err
			}
			if inserted {
				id = candidate
				return nil
			}

			s.metrics.collision()
			s.logger.Debug().Int("attempt", attempt).Msg("session id collision, retrying with a fresh id")
		}
		return fmt.Errorf("%w: %d generated ids collided", session.ErrConstraintViolation, session.MaxCreateAttempts)
	})
	if err != nil {
		return "", wrap("create", err)
	}
	return id, nil
}

func (s *Store) insert(ctx context.Context, conn db.Conn, id string, stored []byte, expiry time.Time) (bool, error) {
	var inserted bool
	err := db.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		tag, err := conn.Exec(ctx, s.queries.insert, id, stored, expiry)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

type row struct {
	Data   []byte    `db:"data"`
	Expiry time.Time `db:"expiry_date"`
}

// Load returns the record for id when its expiry is strictly after now. The
// expiry filter runs in the database, so a concurrent purge cannot hand back
// a stale record.
func (s *Store) Load(ctx context.Context, id string) (rec session.Record, err error) {
	ctx, done := s.start(ctx, "load")
	defer func() { done(err) }()

	var r row
	err = s.pool.WithConnection(ctx, func(ctx context.Context, conn db.Conn) error {
		return db.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
			return pgxscan.Get(ctx, conn, &r, s.queries.load, id, s.now())
		})
	})
	if pgxscan.NotFound(err) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, wrap("load", err)
	}

	data, err := s.codec.Decode(r.Data)
	if err != nil {
		return session.Record{}, wrap("load", err)
	}
	return session.Record{ID: id, Data: data, Expiry: r.Expiry.UTC()}, nil
}

// Save writes data and expiry for id in one upsert statement, replacing any
// existing record whether or not it has expired.
func (s *Store) Save(ctx context.Context, id string, data []byte, expiry time.Time) (err error) {
	ctx, done := s.start(ctx, "save")
	defer func() { done(err) }()

	if id == "" {
		return wrap("save", fmt.Errorf("%w: empty id", session.ErrConstraintViolation))
	}

	stored, err := s.codec.Encode(data)
	if err != nil {
		return wrap("save", err)
	}
	expiry = session.NormalizeExpiry(expiry)

	err = s.exec(ctx, s.queries.upsert, id, stored, expiry)
	return wrap("save", err)
}

// Delete removes id. Deleting an absent id succeeds.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	ctx, done := s.start(ctx, "delete")
	defer func() { done(err) }()

	err = s.exec(ctx, s.queries.delete, id)
	return wrap("delete", err)
}

// PurgeExpired removes every record whose expiry is at or before now in a
// single statement.
func (s *Store) PurgeExpired(ctx context.Context) (n int64, err error) {
	ctx, done := s.start(ctx, "purge_expired")
	defer func() { done(err) }()

	err = s.pool.WithConnection(ctx, func(ctx context.Context, conn db.Conn) error {
		return db.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
			tag, err := conn.Exec(ctx, s.queries.purge, s.now())
			if err != nil {
				return err
			}
			n = tag.RowsAffected()
			return nil
		})
	})
	if err != nil {
		return 0, wrap("purge expired", err)
	}

	s.metrics.addPurged(n)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("session.purged", n))
	return n, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	return s.pool.WithConnection(ctx, func(ctx context.Context, conn db.Conn) error {
		return db.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
			_, err := conn.Exec(ctx, query, args...)
			return err
		})
	})
}

// start opens a span for op and returns a func that records the outcome.
func (s *Store) start(ctx context.Context, op string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "session."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.sql.table", s.table),
		),
	)

	return ctx, func(err error) {
		defer span.End()
		s.metrics.observe(op, begin, resultLabel(err))

		if err == nil || errors.Is(err, session.ErrNotFound) {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		event := s.logger.Warn()
		if errors.Is(err, session.ErrConstraintViolation) || errors.Is(err, session.ErrEncoding) {
			event = s.logger.Error()
		}
		event.Err(err).Str("op", op).Dur("elapsed", time.Since(begin)).Msg("session store operation failed")
	}
}
