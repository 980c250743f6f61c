// Package pgstore wraps a pgx connection pool with the thin helper surface
// the hot-write components (cursor store, index store) build on: direct SQL
// access with pooling, no ORM layer in the way.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres SQLSTATE codes the commit processor treats as idempotent
// outcomes rather than failures (§4.E, §7).
const (
	SQLStateUniqueViolation     = "23505"
	SQLStateForeignKeyViolation = "23503"
)

// DB wraps a pgxpool.Pool for direct SQL access.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and verifies it's reachable.
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Exec executes a statement that returns no rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. Caller must call rows.Close().
func (db *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query expected to return at most one row.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying pool for transactions and batch operations.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Reachable pings the database, used by the readiness aggregator (J).
func (db *DB) Reachable(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// SQLState extracts the Postgres error code from err, if any.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == SQLStateUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	return SQLState(err) == SQLStateForeignKeyViolation
}
