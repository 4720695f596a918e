// Package sessiond hosts the session store: it owns the connection pool,
// applies the schema, runs the expiry sweeper and serves health and metrics.
package sessiond

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sessionstore/pkg/db"
	"sessionstore/pkg/session/pgstore"
	"sessionstore/services/sessiond/internal/config"
	"sessionstore/services/sweeper"
)

// App bundles the dependencies shared by every sessiond command.
type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	pool     *db.Pool
	schema   db.Schema
	store    *pgstore.Store
	registry *prometheus.Registry
}

// Setup connects to the database and builds the store. The schema is not
// touched; call Migrate for that.
func Setup(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	schema, err := db.NewSchema(cfg.SchemaName, cfg.TableName)
	if err != nil {
		return nil, err
	}

	pool, err := db.Open(ctx, db.Options{
		DSN:            cfg.DatabaseURL,
		MaxConns:       cfg.MaxConns,
		AcquireTimeout: cfg.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		db.NewPoolCollector(pool),
	)

	store, err := pgstore.New(pool, schema,
		pgstore.WithStatementTimeout(cfg.StatementTimeout),
		pgstore.WithMetrics(pgstore.NewMetrics(registry)),
		pgstore.WithLogger(logger.With().Str("component", "pgstore").Logger()),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		schema:   schema,
		store:    store,
		registry: registry,
	}, nil
}

// Close releases the store and the connection pool.
func (a *App) Close() {
	a.store.Close()
	a.pool.Close()
}

// Store returns the session store.
func (a *App) Store() *pgstore.Store {
	return a.store
}

// Migrate ensures the session table and its indexes exist.
func (a *App) Migrate(ctx context.Context) error {
	if err := db.EnsureSchema(ctx, a.pool, a.schema, a.logger); err != nil {
		return err
	}
	a.logger.Info().Str("table", a.schema.QualifiedTable()).Msg("session schema ready")
	return nil
}

// Serve runs the expiry sweeper and the HTTP endpoint until ctx is done.
func (a *App) Serve(ctx context.Context, middleware func(http.Handler) http.Handler) error {
	sw := sweeper.New(a.store, sweeper.Config{
		Interval:   a.cfg.PurgeInterval,
		Logger:     a.logger.With().Str("component", "sweeper").Logger(),
		Registerer: a.registry,
	})

	handler := Router(RouterOptions{Pool: a.pool, Gatherer: a.registry})
	if middleware != nil {
		handler = middleware(handler)
	}
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("starting sessiond")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("shutdown server")
		}
		return nil
	})
	return g.Wait()
}
