package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sessionstore/pkg/telemetry"
	"sessionstore/services/sessiond"
	"sessionstore/services/sessiond/internal/config"
)

const serviceName = "sessiond"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "PostgreSQL session record store daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newPurgeCommand())
	cmd.AddCommand(newServeCommand())
	return cmd
}

type env struct {
	cfg        config.Config
	logger     zerolog.Logger
	instanceID string
}

func loadEnv(ctx context.Context) (env, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return env{}, fmt.Errorf("load config: %w", err)
	}
	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return env{}, err
	}
	instanceID := uuid.NewString()
	return env{
		cfg:        cfg,
		logger:     logger.With().Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}, nil
}

// withApp loads configuration, connects, and runs fn with the ready App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, e env, app *sessiond.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	app, err := sessiond.Setup(ctx, e.cfg, e.logger)
	if err != nil {
		e.logger.Error().Err(err).Msg("setup")
		return err
	}
	defer app.Close()

	return fn(ctx, e, app)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session table and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, _ env, app *sessiond.App) error {
				return app.Migrate(ctx)
			})
		},
	}
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every expired session once and print how many were removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, e env, app *sessiond.App) error {
				n, err := app.Store().PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired sessions\n", n)
				return nil
			})
		},
	}
}

func newServeCommand() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ensure the schema, then run the expiry sweeper and the health/metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, e env, app *sessiond.App) error {
				shutdownTelemetry, middleware, err := telemetry.Init(ctx, telemetry.Options{
					ServiceName: serviceName,
					InstanceID:  e.instanceID,
					Endpoint:    e.cfg.OTLPEndpoint,
				}, e.logger)
				if err != nil {
					return fmt.Errorf("init telemetry: %w", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdownTelemetry(shutdownCtx); err != nil {
						e.logger.Error().Err(err).Msg("shutdown telemetry")
					}
				}()

				if !skipMigrate {
					if err := app.Migrate(ctx); err != nil {
						e.logger.Error().Err(err).Msg("migrate database")
						return err
					}
				}
				return app.Serve(ctx, middleware)
			})
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not ensure the schema before serving")
	return cmd
}
