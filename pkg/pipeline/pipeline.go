package pipeline

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/logging"
)

// Executor runs a sequence of handlers over one Request inside a single
// transaction (spec §9 "Pipeline executor"): a plain loop that stops and
// rolls back on the first error, commits on success.
type Executor struct {
	db      db.DB
	catalog *catalog.Catalog
	log     logging.Logger
}

func NewExecutor(database db.DB, cat *catalog.Catalog, log logging.Logger) *Executor {
	if log == nil {
		log = logging.NewNoopLogger()
	}
	return &Executor{db: database, catalog: cat, log: log}
}

// run opens req.Session, threads req through stages in order, and commits
// or rolls back depending on the first error encountered. Every run is
// tagged with a fresh request ID that is handed to every trigger cookie; the
// executor's own log lines carry only the operation and bucket, not the ID.
func (e *Executor) run(ctx context.Context, op string, req *Request, stages []Handler) error {
	req.RequestID = uuid.NewString()
	req.Ctx = ctx
	req.Catalog = e.catalog
	req.Log = e.log

	e.log.LogPipelineStart(op, req.Bucket)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		werr := kverrors.FromPostgres(err)
		e.log.LogPipelineError(op, req.Bucket, werr)
		return werr
	}
	req.Session = tx

	for _, stage := range stages {
		if err := stage(req); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.log.LogPipelineError(op, req.Bucket, rbErr)
				return rbErr
			}
			e.log.LogPipelineError(op, req.Bucket, err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		werr := kverrors.FromPostgres(err)
		e.log.LogPipelineError(op, req.Bucket, werr)
		return werr
	}
	e.log.LogPipelineComplete(op, req.Bucket)
	return nil
}

// FindObjects runs the findObjects pipeline of spec §4.F: acquire session
// -> load bucket -> parse/decorate/compile filter -> stream rows -> commit.
func (e *Executor) FindObjects(ctx context.Context, req *Request) ([]*ObjectRow, error) {
	if err := e.run(ctx, "findObjects", req, []Handler{loadBucket, buildWhere, streamRows}); err != nil {
		return nil, err
	}
	return req.Results, nil
}

// GetObject runs a single-key lookup: load bucket, filter on _key, stream.
func (e *Executor) GetObject(ctx context.Context, req *Request) (*ObjectRow, error) {
	req.Find.Limit = 1
	if err := e.run(ctx, "getObject", req, []Handler{loadBucket, buildKeyFilter, streamRows}); err != nil {
		return nil, err
	}
	if len(req.Results) == 0 {
		return nil, kverrors.ObjectNotFound
	}
	return req.Results[0], nil
}

// PutObject runs the putObject pipeline of spec §4.F: acquire session ->
// load bucket -> lock previous row -> check etag -> pre-triggers -> write
// row -> post-triggers -> commit.
func (e *Executor) PutObject(ctx context.Context, req *Request) (*ObjectRow, error) {
	stages := []Handler{loadBucket, lockPreviousRow, checkEtag, runPreTriggers, writeRow, runPostTriggers}
	if err := e.run(ctx, "putObject", req, stages); err != nil {
		return nil, err
	}
	return req.Written, nil
}

// DelObject runs the delObject pipeline: load bucket -> lock previous row
// -> check etag -> pre-triggers -> delete -> post-triggers.
func (e *Executor) DelObject(ctx context.Context, req *Request) error {
	stages := []Handler{loadBucket, lockPreviousRow, requirePrevious, checkEtag, runPreTriggers, deleteRow, runPostTriggers}
	return e.run(ctx, "delObject", req, stages)
}

func requirePrevious(req *Request) error {
	if req.Previous == nil {
		return kverrors.ObjectNotFound
	}
	return nil
}

// UpdateObjects runs the bulk updateObjects pipeline of spec §6: filter
// matching rows and refresh their indexed columns (and _etag) in place,
// leaving _value untouched.
func (e *Executor) UpdateObjects(ctx context.Context, req *Request) (int64, error) {
	stages := []Handler{loadBucket, buildWhere, bulkUpdateColumns}
	if err := e.run(ctx, "updateObjects", req, stages); err != nil {
		return 0, err
	}
	return req.updatedCount, nil
}

// Batch runs an arbitrary caller-supplied sequence of sub-requests inside
// one transaction and session (spec's supplemented "batch" operation): if
// any step fails, the whole batch rolls back.
func (e *Executor) Batch(ctx context.Context, steps []func(*Request) error) error {
	requestID := uuid.NewString()
	e.log.LogPipelineStart("batch", "")

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		werr := kverrors.FromPostgres(err)
		e.log.LogPipelineError("batch", "", werr)
		return werr
	}

	base := &Request{Ctx: ctx, RequestID: requestID, Session: tx, Catalog: e.catalog, Log: e.log}
	for _, step := range steps {
		if err := step(base); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.log.LogPipelineError("batch", "", rbErr)
				return rbErr
			}
			e.log.LogPipelineError("batch", "", err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		werr := kverrors.FromPostgres(err)
		e.log.LogPipelineError("batch", "", werr)
		return werr
	}
	e.log.LogPipelineComplete("batch", "")
	return nil
}
