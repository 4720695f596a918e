package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"
	"github.com/rs/zerolog"

	"sessionstore/pkg/db/migrations"
)

const (
	DefaultSchemaName = "sessions"
	DefaultTableName  = "session"

	// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1. Longer names are
	// silently truncated by the server.
	maxIdentifierLength = 63
	versionTableSuffix  = "_migrations"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// Schema names the session table.
type Schema struct {
	name  string
	table string
}

// NewSchema validates the schema and table names. Names must start with a
// lowercase letter or underscore and continue with lowercase letters, digits,
// underscores or dollar signs.
func NewSchema(schemaName, tableName string) (Schema, error) {
	if schemaName == "" {
		schemaName = DefaultSchemaName
	}
	if tableName == "" {
		tableName = DefaultTableName
	}
	if err := validateIdentifier("schema", schemaName); err != nil {
		return Schema{}, err
	}
	if err := validateIdentifier("table", tableName); err != nil {
		return Schema{}, err
	}

	s := Schema{name: schemaName, table: tableName}
	if n := len(s.versionTableName()); n > maxIdentifierLength {
		return Schema{}, fmt.Errorf("db: table name too long for version table %q (%d > %d)", s.versionTableName(), n, maxIdentifierLength)
	}
	return s, nil
}

// DefaultSchema returns the schema used when nothing is configured.
func DefaultSchema() Schema {
	return Schema{name: DefaultSchemaName, table: DefaultTableName}
}

func validateIdentifier(kind, name string) error {
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("db: invalid %s name %q: longer than %d bytes", kind, name, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("db: invalid %s name %q: must start with a lowercase letter or underscore; "+
			"subsequent characters can be lowercase letters, digits, underscores or dollar signs", kind, name)
	}
	return nil
}

// Name returns the schema name.
func (s Schema) Name() string { return s.name }

// Table returns the unqualified table name.
func (s Schema) Table() string { return s.table }

// QualifiedTable returns the quoted schema.table reference for SQL.
func (s Schema) QualifiedTable() string {
	return pgx.Identifier{s.name, s.table}.Sanitize()
}

func (s Schema) versionTableName() string {
	return s.table + versionTableSuffix
}

// VersionTable returns the schema-qualified goose version table. It lives
// next to the session table so that both disappear together.
func (s Schema) VersionTable() string {
	return s.name + "." + s.versionTableName()
}

// EnsureSchema creates the session schema, table and expiry index when they do
// not exist. Concurrent callers, including other processes, serialize on a
// PostgreSQL advisory lock; calling it again after success is a no-op.
//
// Migration bookkeeping is kept inside the session schema, so a dropped schema
// is rebuilt from scratch on the next call.
func EnsureSchema(ctx context.Context, pool *Pool, s Schema, logger zerolog.Logger) error {
	if pool == nil || pool.pgx == nil {
		return errors.New("db: nil pool provided")
	}
	if s.name == "" {
		s = DefaultSchema()
	}

	// goose creates its version table before running any migration, so the
	// schema holding it has to exist first.
	_, err := pool.pgx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.name}.Sanitize()))
	if err != nil && !isDuplicateSchema(err) {
		return fmt.Errorf("db: create schema %s: %w", s.name, err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool.pgx)
	defer sqlDB.Close()

	store, err := database.NewStore(database.DialectPostgres, s.VersionTable())
	if err != nil {
		return fmt.Errorf("db: migration store: %w", err)
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("db: migration lock: %w", err)
	}

	provider, err := goose.NewProvider("", sqlDB, nil,
		goose.WithStore(store),
		goose.WithSessionLocker(locker),
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(migrations.Sessions(migrations.Names{Schema: s.name, Table: s.table})...),
	)
	if err != nil {
		return fmt.Errorf("db: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("db: ensure schema %s: %w", s.QualifiedTable(), err)
	}

	for _, r := range results {
		logger.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Str("table", s.QualifiedTable()).
			Msg("applied session schema migration")
	}
	return nil
}
