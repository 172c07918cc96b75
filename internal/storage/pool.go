// Package storage provides the PostgreSQL storage layer for michi.
//
// It owns every durable access pattern the lifecycle engine needs: trace
// creation, point and batch instance lookups, COPY-based bulk inserts for
// topology expansion, the race-safe upsert used by worker reports, and
// path-prefix bulk updates for control signals. Every instance mutation is
// paired with its audit log entry inside one transaction.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a pgxpool.Pool used for all queries and NOTIFY.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Transactional writes retry this many times on serialization
	// failures and deadlocks.
	maxRetries int
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:       pool,
		logger:     logger,
		maxRetries: 3,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// inTx runs fn inside a transaction, committing on success. Serialization
// failures and deadlocks restart the whole transaction.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return withRetry(ctx, db.maxRetries, retryBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return wrapErr("begin "+op, err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return wrapErr("commit "+op, err)
		}
		return nil
	})
}
