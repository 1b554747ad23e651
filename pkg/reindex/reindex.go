// Package reindex implements reindexObjects (spec §6): batched backfill of
// a bucket's indexed columns after an updateBucket call, grounded on the
// teacher's pkg/backfill batching algorithm (select-update-callback loop
// over a stale-row predicate, progress reported through a CallbackFn).
package reindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/logging"
	"github.com/pgkv/pgkv/pkg/types"
)

const defaultBatchSize = 1000

// CallbackFn is invoked after every batch with the running total and the
// estimated row count, mirroring the teacher's backfill.CallbackFn.
type CallbackFn func(done, total int64)

// Reindexer drives reindexObjects for one catalog.
type Reindexer struct {
	db         db.DB
	cat        *catalog.Catalog
	log        logging.Logger
	batchSize  int
	batchDelay time.Duration
	callbacks  []CallbackFn
}

// Option configures a Reindexer.
type Option func(*Reindexer)

func WithBatchSize(n int) Option {
	return func(r *Reindexer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(r *Reindexer) { r.batchDelay = d }
}

func WithCallback(fn CallbackFn) Option {
	return func(r *Reindexer) { r.callbacks = append(r.callbacks, fn) }
}

func New(database db.DB, cat *catalog.Catalog, log logging.Logger, opts ...Option) *Reindexer {
	if log == nil {
		log = logging.NewNoopLogger()
	}
	r := &Reindexer{db: database, cat: cat, log: log, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReindexObjects backfills up to count rows of bucket whose _rver is behind
// the bucket's current schema version (spec §6 "reindexObjects"), clearing
// the version's reindex_active entry once no row is left behind.
func (r *Reindexer) ReindexObjects(ctx context.Context, bucket string, count int) (int64, error) {
	desc, err := r.cat.Get(ctx, bucket, false)
	if err != nil {
		return 0, err
	}
	targetVersion := desc.Options.Version
	fieldTypes := desc.IndexFieldTypes()

	total, err := r.estimateRemaining(ctx, bucket, targetVersion)
	if err != nil {
		return 0, err
	}
	r.log.LogReindexStart(bucket, total)

	var done int64
	limit := count
	for limit == 0 || int(done) < limit {
		batchSize := r.batchSize
		if limit > 0 && limit-int(done) < batchSize {
			batchSize = limit - int(done)
		}

		n, err := r.reindexBatch(ctx, bucket, targetVersion, fieldTypes, batchSize)
		if err != nil {
			return done, err
		}
		done += n
		r.notify(bucket, done, total)
		if n == 0 {
			break
		}

		if r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return done, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}

	remaining, err := r.estimateRemaining(ctx, bucket, targetVersion)
	if err != nil {
		return done, err
	}
	if remaining == 0 {
		if err := r.clearCompletedVersion(ctx, bucket, targetVersion); err != nil {
			return done, err
		}
		r.cat.Invalidate(bucket)
	}

	r.log.LogReindexComplete(bucket)
	return done, nil
}

func (r *Reindexer) notify(bucket string, done, total int64) {
	r.log.LogReindexProgress(bucket, done, total)
	for _, cb := range r.callbacks {
		cb(done, total)
	}
}

// reindexBatch locks up to batchSize stale rows, recomputes their indexed
// columns from _value, and bumps _rver to targetVersion.
func (r *Reindexer) reindexBatch(ctx context.Context, bucket string, targetVersion int, fieldTypes map[string]types.FieldType, batchSize int) (int64, error) {
	var done int64
	err := r.db.WithRetryableTransaction(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT _id, _value FROM %s
			WHERE _rver IS NULL OR _rver < $1
			ORDER BY _id
			LIMIT %d
			FOR UPDATE SKIP LOCKED
		`, pq.QuoteIdentifier(bucket), batchSize), targetVersion)
		if err != nil {
			return kverrors.FromPostgres(err)
		}

		type row struct {
			id    int64
			value string
		}
		var batch []row
		for rows.Next() {
			var rw row
			if err := rows.Scan(&rw.id, &rw.value); err != nil {
				rows.Close()
				return kverrors.FromPostgres(err)
			}
			batch = append(batch, rw)
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return kverrors.FromPostgres(rowsErr)
		}

		for _, rw := range batch {
			var value map[string]interface{}
			if err := json.Unmarshal([]byte(rw.value), &value); err != nil {
				return kverrors.Wrap(kverrors.CodeInternal, "decoding stored value during reindex", err)
			}

			sets := []string{"_rver = $1"}
			args := []interface{}{targetVersion}
			i := 2
			for field, ft := range fieldTypes {
				coerced, err := types.CoerceColumn(ft, value[field])
				if err != nil {
					return err
				}
				sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(field), i))
				args = append(args, arrayOrScalar(ft, coerced))
				i++
			}
			args = append(args, rw.id)

			stmt := fmt.Sprintf("UPDATE %s SET %s WHERE _id = $%d",
				pq.QuoteIdentifier(bucket), joinComma(sets), i)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return kverrors.FromPostgres(err)
			}
			done++
		}
		return nil
	})
	return done, err
}

func arrayOrScalar(ft types.FieldType, v interface{}) interface{} {
	if v == nil || !ft.Array {
		return v
	}
	arr, ok := v.([]interface{})
	if !ok {
		return pq.Array([]interface{}{v})
	}
	return pq.Array(arr)
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// estimateRemaining counts rows still behind targetVersion, the denominator
// reported to progress callbacks (spec's CallbackFn(done, total)).
func (r *Reindexer) estimateRemaining(ctx context.Context, bucket string, targetVersion int) (int64, error) {
	var total int64
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE _rver IS NULL OR _rver < $1", pq.QuoteIdentifier(bucket)), targetVersion)
	if err := row.Scan(&total); err != nil {
		return 0, kverrors.FromPostgres(err)
	}
	return total, nil
}

// clearCompletedVersion drops targetVersion's reindex_active entry once its
// backfill has fully drained (spec §9 ReindexActive, spec §4.E step 6).
func (r *Reindexer) clearCompletedVersion(ctx context.Context, bucket string, targetVersion int) error {
	return r.db.WithRetryableTransaction(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT index, pre, post, options, reindex_active, mtime
			FROM buckets_config WHERE name = $1 FOR UPDATE
		`, bucket)

		var indexJSON, preJSON, postJSON, optionsJSON string
		var reindexJSON sql.NullString
		var mtime time.Time
		if err := row.Scan(&indexJSON, &preJSON, &postJSON, &optionsJSON, &reindexJSON, &mtime); err != nil {
			if err == sql.ErrNoRows {
				return kverrors.Wrap(kverrors.CodeBucketNotFound, bucket, err)
			}
			return kverrors.FromPostgres(err)
		}

		desc, err := catalog.DecodeDescriptor(bucket, indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, mtime)
		if err != nil {
			return err
		}
		if desc.ReindexActive == nil {
			return nil
		}
		desc.ReindexActive = desc.ReindexActive.Clear(targetVersion)

		_, _, _, _, newReindexJSON, err := catalog.EncodeDescriptor(desc)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE buckets_config SET reindex_active = $2 WHERE name = $1`,
			bucket, newReindexJSON)
		return kverrors.FromPostgres(err)
	})
}
