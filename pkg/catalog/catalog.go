// Package catalog persists and caches bucket descriptors (spec §4.D
// "Bucket catalog"): the buckets_config relation backs every descriptor,
// and a bounded LRU cache fronts it so the hot read/write paths don't pay
// a round trip per request.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"

	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/logging"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
)

const defaultCacheCapacity = 1024

// CachedDescriptor is what the cache stores: the persisted descriptor plus
// its pre/post trigger names already resolved to callables, so a pipeline
// handler never has to touch the trigger registry on the hot path (spec
// §4.D "populate cache with the parsed descriptor, callable pre/post
// included").
type CachedDescriptor struct {
	*schema.BucketDescriptor
	PreFuncs  []trigger.Func
	PostFuncs []trigger.Func
}

// Catalog owns the buckets_config relation and the descriptor cache that
// fronts it.
type Catalog struct {
	db       db.DB
	cache    *lru.Cache[string, *CachedDescriptor]
	registry *trigger.Registry
	log      logging.Logger
}

// New builds a Catalog. capacity bounds the descriptor cache; pass 0 for
// defaultCacheCapacity.
func New(database db.DB, registry *trigger.Registry, log logging.Logger, capacity int) (*Catalog, error) {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	cache, err := lru.New[string, *CachedDescriptor](capacity)
	if err != nil {
		return nil, fmt.Errorf("catalog: building descriptor cache: %w", err)
	}
	if log == nil {
		log = logging.NewNoopLogger()
	}
	return &Catalog{db: database, cache: cache, registry: registry, log: log}, nil
}

// Bootstrap creates the buckets_config relation if it does not already
// exist, the same idempotent role as the teacher's state-schema
// initialisation.
func (c *Catalog) Bootstrap(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS buckets_config (
			name TEXT PRIMARY KEY,
			index TEXT NOT NULL,
			pre TEXT NOT NULL,
			post TEXT NOT NULL,
			options TEXT NOT NULL,
			reindex_active TEXT,
			mtime TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return kverrors.FromPostgres(err)
}

func cacheKey(name string) string {
	return "/" + name
}

// Get returns the descriptor for name, from cache unless noCache is set
// (spec §4.D cache policy). A cache miss reads through to buckets_config
// and populates the cache on success.
func (c *Catalog) Get(ctx context.Context, name string, noCache bool) (*CachedDescriptor, error) {
	if !noCache {
		if cached, ok := c.cache.Get(cacheKey(name)); ok {
			return cached, nil
		}
	}

	row := c.db.QueryRowContext(ctx, `
		SELECT index, pre, post, options, reindex_active, mtime
		FROM buckets_config WHERE name = $1
	`, name)

	cached, err := c.scanAndResolve(name, row)
	if err != nil {
		return nil, err
	}

	c.cache.Add(cacheKey(name), cached)
	return cached, nil
}

func (c *Catalog) scanAndResolve(name string, row *sql.Row) (*CachedDescriptor, error) {
	var indexJSON, preJSON, postJSON, optionsJSON string
	var reindexJSON sql.NullString
	var mtime time.Time

	if err := row.Scan(&indexJSON, &preJSON, &postJSON, &optionsJSON, &reindexJSON, &mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, kverrors.Wrap(kverrors.CodeBucketNotFound, name, err)
		}
		return nil, kverrors.FromPostgres(err)
	}

	desc, err := DecodeDescriptor(name, indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, mtime)
	if err != nil {
		return nil, err
	}

	return c.resolve(desc)
}

func (c *Catalog) resolve(desc *schema.BucketDescriptor) (*CachedDescriptor, error) {
	cached := &CachedDescriptor{BucketDescriptor: desc}
	if c.registry != nil {
		pre, err := c.registry.ResolveAll(desc.Pre)
		if err != nil {
			return nil, err
		}
		post, err := c.registry.ResolveAll(desc.Post)
		if err != nil {
			return nil, err
		}
		cached.PreFuncs = pre
		cached.PostFuncs = post
	}
	return cached, nil
}

// Invalidate drops name from the cache (spec §9 "Shared mutable cache":
// new(capacity)/get/put/invalidate lifecycle), forcing the next Get to
// read through to buckets_config. Called on schema evolution and on the
// row-version shootdown of spec §4.F.
func (c *Catalog) Invalidate(name string) {
	c.cache.Remove(cacheKey(name))
	c.log.LogCacheShootdown(name)
}

// Create persists a brand-new descriptor (the createBucket RPC) and the
// bucket's backing relation with its system columns. It fails with
// UniqueAttributeError if the name is already taken.
func (c *Catalog) Create(ctx context.Context, desc *schema.BucketDescriptor) error {
	return c.db.WithRetryableTransaction(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, err := EncodeDescriptor(desc)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO buckets_config (name, index, pre, post, options, reindex_active, mtime)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, desc.Name, indexJSON, preJSON, postJSON, optionsJSON, reindexJSON)
		if err != nil {
			return kverrors.FromPostgres(err)
		}

		if err := createBucketRelation(ctx, tx, desc); err != nil {
			return err
		}

		c.log.LogBucketCreated(desc.Name, desc.Options.Version)
		return nil
	})
}

func createBucketRelation(ctx context.Context, tx *sql.Tx, desc *schema.BucketDescriptor) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE %s (
			_id BIGSERIAL PRIMARY KEY,
			_key TEXT NOT NULL UNIQUE,
			_value TEXT NOT NULL,
			_etag TEXT NOT NULL,
			_mtime BIGINT NOT NULL,
			_txn_snap TEXT,
			_rver INT
		)
	`, pq.QuoteIdentifier(desc.Name))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return kverrors.FromPostgres(err)
	}

	idxStmt := fmt.Sprintf("CREATE INDEX %s ON %s (_rver)",
		pq.QuoteIdentifier(desc.Name+"_rver_idx"), pq.QuoteIdentifier(desc.Name))
	if _, err := tx.ExecContext(ctx, idxStmt); err != nil {
		return kverrors.FromPostgres(err)
	}

	for field, fd := range desc.Index {
		colStmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			pq.QuoteIdentifier(desc.Name), pq.QuoteIdentifier(field), fd.Type.PostgresColumnType())
		if _, err := tx.ExecContext(ctx, colStmt); err != nil {
			return kverrors.FromPostgres(err)
		}
		if err := CreateFieldIndex(ctx, tx, desc.Name, field, fd); err != nil {
			return err
		}
	}
	return nil
}

// CreateFieldIndex creates the partial index backing one indexed field
// (spec §4.E step 9): GIN for array types, BTREE otherwise, UNIQUE when the
// field is flagged unique. Postgres rejects UNIQUE on a GIN index, so a
// unique array field still gets its GIN index for containment queries but
// falls back to a plain BTREE unique index to enforce uniqueness, named
// "<bucket>_<field>_idx" and "<bucket>_<field>_unique_idx" respectively.
func CreateFieldIndex(ctx context.Context, tx *sql.Tx, bucket, field string, fd schema.FieldDescriptor) error {
	idxName := pq.QuoteIdentifier(fmt.Sprintf("%s_%s_idx", bucket, field))
	method := "BTREE"
	if fd.Type.IsGinCandidate() {
		method = "GIN"
	}
	unique := ""
	if fd.Unique && method != "GIN" {
		unique = "UNIQUE"
	}
	stmt := fmt.Sprintf("CREATE %s INDEX %s ON %s USING %s (%s) WHERE %s IS NOT NULL",
		unique, idxName, pq.QuoteIdentifier(bucket), method,
		pq.QuoteIdentifier(field), pq.QuoteIdentifier(field))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return kverrors.FromPostgres(err)
	}

	if fd.Unique && method == "GIN" {
		uniqueIdxName := pq.QuoteIdentifier(fmt.Sprintf("%s_%s_unique_idx", bucket, field))
		uniqueStmt := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s) WHERE %s IS NOT NULL",
			uniqueIdxName, pq.QuoteIdentifier(bucket), pq.QuoteIdentifier(field), pq.QuoteIdentifier(field))
		if _, err := tx.ExecContext(ctx, uniqueStmt); err != nil {
			return kverrors.FromPostgres(err)
		}
	}

	return nil
}

// Delete drops a bucket's descriptor and backing relation (the delBucket
// RPC).
func (c *Catalog) Delete(ctx context.Context, name string) error {
	err := c.db.WithRetryableTransaction(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM buckets_config WHERE name = $1", name); err != nil {
			return kverrors.FromPostgres(err)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(name)))
		return kverrors.FromPostgres(err)
	})
	if err != nil {
		return err
	}
	c.Invalidate(name)
	c.log.LogBucketDeleted(name)
	return nil
}

// List scans every descriptor in buckets_config. It always reads through
// (spec's SUPPLEMENTED FEATURES "listBuckets bypasses the cache"), since
// listing is not a per-key hot path.
func (c *Catalog) List(ctx context.Context) ([]*schema.BucketDescriptor, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, index, pre, post, options, reindex_active, mtime FROM buckets_config ORDER BY name
	`)
	if err != nil {
		return nil, kverrors.FromPostgres(err)
	}
	defer rows.Close()

	var out []*schema.BucketDescriptor
	for rows.Next() {
		var name, indexJSON, preJSON, postJSON, optionsJSON string
		var reindexJSON sql.NullString
		var mtime time.Time
		if err := rows.Scan(&name, &indexJSON, &preJSON, &postJSON, &optionsJSON, &reindexJSON, &mtime); err != nil {
			return nil, kverrors.FromPostgres(err)
		}
		desc, err := DecodeDescriptor(name, indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, mtime)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, kverrors.FromPostgres(rows.Err())
}

// EncodeDescriptor serialises a descriptor's JSON-valued columns the way
// buckets_config stores them. Exported so the evolution engine can reuse
// it when writing the updated row.
func EncodeDescriptor(desc *schema.BucketDescriptor) (indexJSON, preJSON, postJSON, optionsJSON string, reindexJSON sql.NullString, err error) {
	idx, err := json.Marshal(desc.Index)
	if err != nil {
		return "", "", "", "", sql.NullString{}, kverrors.Wrap(kverrors.CodeInternal, "encoding index", err)
	}
	pre, err := json.Marshal(desc.Pre)
	if err != nil {
		return "", "", "", "", sql.NullString{}, kverrors.Wrap(kverrors.CodeInternal, "encoding pre", err)
	}
	post, err := json.Marshal(desc.Post)
	if err != nil {
		return "", "", "", "", sql.NullString{}, kverrors.Wrap(kverrors.CodeInternal, "encoding post", err)
	}
	opts, err := json.Marshal(desc.Options)
	if err != nil {
		return "", "", "", "", sql.NullString{}, kverrors.Wrap(kverrors.CodeInternal, "encoding options", err)
	}

	reindex := sql.NullString{}
	if len(desc.ReindexActive) > 0 {
		raw, err := json.Marshal(desc.ReindexActive)
		if err != nil {
			return "", "", "", "", sql.NullString{}, kverrors.Wrap(kverrors.CodeInternal, "encoding reindex_active", err)
		}
		reindex = sql.NullString{String: string(raw), Valid: true}
	}

	return string(idx), string(pre), string(post), string(opts), reindex, nil
}

// DecodeDescriptor parses buckets_config's JSON-valued columns into a
// BucketDescriptor. Exported for the evolution engine's own
// SELECT ... FOR UPDATE load.
func DecodeDescriptor(name, indexJSON, preJSON, postJSON, optionsJSON string, reindexJSON sql.NullString, mtime time.Time) (*schema.BucketDescriptor, error) {
	var index map[string]schema.FieldDescriptor
	if err := json.Unmarshal([]byte(indexJSON), &index); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding index", err)
	}
	var pre, post []string
	if err := json.Unmarshal([]byte(preJSON), &pre); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding pre", err)
	}
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding post", err)
	}
	var options schema.Options
	if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding options", err)
	}
	reindexActive := schema.ReindexActive{}
	if reindexJSON.Valid && reindexJSON.String != "" {
		if err := json.Unmarshal([]byte(reindexJSON.String), &reindexActive); err != nil {
			return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding reindex_active", err)
		}
	}

	return &schema.BucketDescriptor{
		Name:          name,
		Index:         index,
		Pre:           pre,
		Post:          post,
		Options:       options,
		ReindexActive: reindexActive,
		Mtime:         mtime,
	}, nil
}
