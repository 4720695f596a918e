// Package dbtest provides PostgreSQL fixtures for integration tests. Tests
// using it are skipped unless DATABASE_URL is set.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"sessionstore/pkg/db"
)

// Open connects to DATABASE_URL or skips the test.
func Open(t *testing.T) *db.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping PostgreSQL integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, db.Options{DSN: dsn, MaxConns: 8, AcquireTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Schema returns a uniquely named schema that is dropped, together with its
// migrations version table, when the test ends.
func Schema(t *testing.T, pool *db.Pool) db.Schema {
	t.Helper()

	name := "st_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	schema, err := db.NewSchema(name, db.DefaultTableName)
	if err != nil {
		t.Fatalf("new schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{schema.Name()}.Sanitize())
		if _, err := pool.PGX().Exec(ctx, stmt); err != nil {
			t.Errorf("cleanup %q: %v", stmt, err)
		}
	})
	return schema
}

// RowCount counts every row of the session table, expired ones included.
func RowCount(t *testing.T, pool *db.Pool, schema db.Schema) int {
	t.Helper()

	var n int
	err := pool.PGX().QueryRow(context.Background(), "SELECT count(*) FROM "+schema.QualifiedTable()).Scan(&n)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}
