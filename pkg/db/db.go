// SPDX-License-Identifier: Apache-2.0

// Package db wraps *sql.DB with the retry behaviour every layer of the
// store needs: transient postgres errors (lock timeouts, serialization
// failures, deadlocks) are retried with backoff; every other error is
// surfaced immediately and is never retried from inside the pipeline.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	maxBackoffDuration = 1 * time.Minute
	backoffInterval    = 10 * time.Millisecond
)

var retryableCodes = map[pq.ErrorCode]bool{
	"55P03": true, // lock_not_available
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

// DB is the session abstraction every component (catalog, evolution,
// pipeline) depends on instead of *sql.DB directly, so tests can substitute
// FakeDB.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	WithRetryableTransaction(ctx context.Context, opts *sql.TxOptions, f func(context.Context, *sql.Tx) error) error
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
	RawConn() *sql.DB
}

// RDB wraps a *sql.DB and retries queries using an exponential backoff on
// transient lock/serialization errors.
type RDB struct {
	DB *sql.DB
}

func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		if werr := sleepCtx(ctx, b.Duration()); werr != nil {
			return nil, werr
		}
	}
}

func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		if werr := sleepCtx(ctx, b.Duration()); werr != nil {
			return nil, werr
		}
	}
}

func (db *RDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}

// WithRetryableTransaction runs `f` inside a single transaction, retrying
// the whole transaction on transient errors. Used by the catalog and
// schema-evolution engine, whose operations are single logical steps.
func (db *RDB) WithRetryableTransaction(ctx context.Context, opts *sql.TxOptions, f func(context.Context, *sql.Tx) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		tx, err := db.DB.BeginTx(ctx, opts)
		if err != nil {
			return err
		}

		err = f(ctx, tx)
		if err == nil {
			return tx.Commit()
		}

		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return rbErr
		}

		if !isRetryable(err) {
			return err
		}
		if werr := sleepCtx(ctx, b.Duration()); werr != nil {
			return werr
		}
	}
}

// BeginTx opens a transaction the caller owns for the remainder of its
// request lifetime, as the object pipeline's first handler does: the
// transaction spans many handler invocations and is committed or rolled
// back only by the executor's final step.
func (db *RDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.DB.BeginTx(ctx, opts)
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

func (db *RDB) RawConn() *sql.DB {
	return db.DB
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableCodes[pqErr.Code]
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue scans the first value from a single-row, single-column
// result set.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
