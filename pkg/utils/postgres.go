package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgxDriver is the database/sql name registered by pgx/v5/stdlib.
const pgxDriver = "pgx"

// PostgresPool sizes the database/sql pool. Zero values take defaults sized
// for a worker pool of a few goroutines plus HTTP handlers.
type PostgresPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (p PostgresPool) withDefaults() PostgresPool {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 20
	}
	if p.MaxIdleConns <= 0 || p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns / 2
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = 30 * time.Minute
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = 5 * time.Minute
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = 5 * time.Second
	}
	return p
}

// OpenPostgres opens a pgx-backed *sql.DB and pings it.
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, dsn string, pool PostgresPool) (*sql.DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(pgxDriver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings the DB with a timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

// TxFunc is the unit of work executed inside a transaction. It may run more
// than once, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// txAttempts bounds reruns of a transaction that lost a serialization race.
const txAttempts = 3

// WithTx runs fn inside a transaction and commits it.
//
// IMPORTANT:
//   - An error from fn rolls back and is returned unchanged.
//   - A panic in fn rolls back and is re-thrown.
//   - Serialization failures and deadlocks rerun the whole transaction, up
//     to txAttempts times.
func WithTx(ctx context.Context, db *sql.DB, fn TxFunc) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), txAttempts-1)
	return backoff.Retry(func() error {
		err := runTx(ctx, db, fn)
		if err != nil && !IsRetryableTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func runTx(ctx context.Context, db *sql.DB, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}

// Postgres SQLSTATE codes worth a transaction rerun.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsRetryableTxError reports whether err is a Postgres serialization failure
// or deadlock.
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
