// Package migrations builds the versioned DDL for a session table. The
// migrations are parameterized by schema and table name, so they are handed to
// a goose provider explicitly instead of being registered globally.
package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pressly/goose/v3"
)

// Names identifies the session table. Both fields must already be validated
// PostgreSQL identifiers.
type Names struct {
	Schema string
	Table  string
}

func (n Names) qualified() string {
	return pgx.Identifier{n.Schema, n.Table}.Sanitize()
}

func (n Names) expiryIndex() string {
	return n.Table + "_expiry_date_idx"
}

// Sessions returns the ordered migrations for the session table.
func Sessions(n Names) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error { return upTable(ctx, tx, n) }},
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error { return downTable(ctx, tx, n) }},
		),
		goose.NewGoMigration(2,
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error { return upExpiryIndex(ctx, tx, n) }},
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error { return downExpiryIndex(ctx, tx, n) }},
		),
	}
}

func upTable(ctx context.Context, tx *sql.Tx, n Names) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{n.Schema}.Sanitize()),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id text PRIMARY KEY NOT NULL,
    data bytea NOT NULL,
    expiry_date timestamptz NOT NULL
)`, n.qualified()),
	}
	return execAll(ctx, tx, stmts)
}

func downTable(ctx context.Context, tx *sql.Tx, n Names) error {
	return execAll(ctx, tx, []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, n.qualified())})
}

func upExpiryIndex(ctx context.Context, tx *sql.Tx, n Names) error {
	return execAll(ctx, tx, []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expiry_date)`, pgx.Identifier{n.expiryIndex()}.Sanitize(), n.qualified()),
	})
}

func downExpiryIndex(ctx context.Context, tx *sql.Tx, n Names) error {
	return execAll(ctx, tx, []string{
		fmt.Sprintf(`DROP INDEX IF EXISTS %s`, pgx.Identifier{n.Schema, n.expiryIndex()}.Sanitize()),
	})
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
