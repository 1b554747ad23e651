// Package pipeline implements the per-request object pipeline of spec
// §4.F: an ordered sequence of handlers threaded through a Request,
// executed by a plain loop that rolls back on the first error and commits
// on success (spec §9 "Pipeline executor").
package pipeline

import (
	"context"
	"database/sql"

	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/filter"
	"github.com/pgkv/pgkv/pkg/logging"
)

// ObjectRow is one record of a bucket's backing relation (spec §3
// "ObjectRow").
type ObjectRow struct {
	ID      int64
	Key     string
	Value   map[string]interface{}
	Etag    string
	Mtime   int64
	TxnSnap sql.NullString
	RVer    sql.NullInt64
	Count   int64
}

// WriteOptions carries the per-call options of putObject/delObject (spec
// §6).
type WriteOptions struct {
	Etag       *string
	EtagSet    bool
	Headers    map[string]string
	NoCache    bool
	NoReindex  bool
}

// FindOptions carries the per-call options of findObjects (spec §6).
type FindOptions struct {
	Sort    []string
	Limit   int
	Offset  int
	NoLimit bool
	Ignore  []string
}

// Request is the in-flight record threaded through the pipeline (spec §3
// "Request"). A Request exclusively owns Session for its lifetime.
type Request struct {
	Ctx context.Context

	Bucket  string
	Key     string
	Filter  string
	Value   map[string]interface{}
	Fields  map[string]interface{} // updateObjects: indexed-column values to set
	Write   WriteOptions
	Find    FindOptions

	// RequestID is handed to every trigger this request fires (via the
	// trigger cookie); the executor's log lines do not include it.
	RequestID string

	Catalog *catalog.Catalog
	Log     logging.Logger
	Session *sql.Tx

	// Populated by earlier handlers.
	Descriptor *catalog.CachedDescriptor
	Previous   *ObjectRow
	Compiled   *filter.Compiled
	Results    []*ObjectRow
	Written    *ObjectRow

	// Update is true for handlers shared between put and update paths that
	// need to know whether a row already existed.
	Update bool

	// updatedCount is set by bulkUpdateColumns (updateObjects).
	updatedCount int64
}
