// Package store wires the catalog, schema-evolution engine, object
// pipeline and reindexer into the single entry point spec §6 describes:
// one Store exposing createBucket/updateBucket/getBucket/delBucket/
// listBuckets alongside putObject/getObject/delObject/findObjects/
// updateObjects/batch/reindexObjects.
package store

import (
	"context"

	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/evolution"
	"github.com/pgkv/pgkv/pkg/logging"
	"github.com/pgkv/pgkv/pkg/pipeline"
	"github.com/pgkv/pgkv/pkg/reindex"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
)

// Store is the facade a CLI or an in-process caller drives (spec §6). It
// owns no connection itself - db.DB is handed in already open.
type Store struct {
	catalog   *catalog.Catalog
	evolution *evolution.Engine
	pipeline  *pipeline.Executor
	reindex   *reindex.Reindexer
	triggers  *trigger.Registry
	log       logging.Logger
}

// Config bundles the knobs New needs beyond the open connection.
type Config struct {
	CacheCapacity int
	Triggers      *trigger.Registry
	Log           logging.Logger
}

func New(database db.DB, cfg Config) (*Store, error) {
	if cfg.Log == nil {
		cfg.Log = logging.NewNoopLogger()
	}
	if cfg.Triggers == nil {
		cfg.Triggers = trigger.NewRegistry()
	}

	cat, err := catalog.New(database, cfg.Triggers, cfg.Log, cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	return &Store{
		catalog:   cat,
		evolution: evolution.New(database, cat, cfg.Triggers, cfg.Log),
		pipeline:  pipeline.NewExecutor(database, cat, cfg.Log),
		reindex:   reindex.New(database, cat, cfg.Log),
		triggers:  cfg.Triggers,
		log:       cfg.Log,
	}, nil
}

// Triggers exposes the registry so callers can Register named trigger
// functions before any bucket referencing them is created.
func (s *Store) Triggers() *trigger.Registry {
	return s.triggers
}

// Bootstrap creates the buckets_config relation if it does not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	return s.catalog.Bootstrap(ctx)
}

// CreateBucket validates rawConfig and provisions the bucket's backing
// relation and indexes (spec §4.C "createBucket").
func (s *Store) CreateBucket(ctx context.Context, name string, rawConfig map[string]interface{}) (*schema.BucketDescriptor, error) {
	desc, err := schema.Validate(name, rawConfig, s.triggers)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Create(ctx, desc); err != nil {
		return nil, err
	}
	s.log.LogBucketCreated(name, desc.Options.Version)
	return desc, nil
}

// UpdateBucket runs the schema-evolution engine (spec §4.E).
func (s *Store) UpdateBucket(ctx context.Context, name string, rawConfig map[string]interface{}, opts evolution.Options) (*schema.BucketDescriptor, error) {
	return s.evolution.UpdateBucket(ctx, name, rawConfig, opts)
}

// GetBucket returns the current descriptor, bypassing the cache so callers
// inspecting bucket state always see the persisted truth.
func (s *Store) GetBucket(ctx context.Context, name string) (*schema.BucketDescriptor, error) {
	desc, err := s.catalog.Get(ctx, name, true)
	if err != nil {
		return nil, err
	}
	return desc.BucketDescriptor, nil
}

// DelBucket drops the bucket's relation and descriptor row.
func (s *Store) DelBucket(ctx context.Context, name string) error {
	return s.catalog.Delete(ctx, name)
}

// ListBuckets returns every bucket descriptor.
func (s *Store) ListBuckets(ctx context.Context) ([]*schema.BucketDescriptor, error) {
	return s.catalog.List(ctx)
}

// PutObjectOptions carries the per-call options of spec §6 putObject.
type PutObjectOptions struct {
	Etag      *string
	EtagSet   bool
	Headers   map[string]string
	NoCache   bool
	NoReindex bool
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, value map[string]interface{}, opts PutObjectOptions) (*pipeline.ObjectRow, error) {
	req := &pipeline.Request{
		Bucket: bucket,
		Key:    key,
		Value:  value,
		Write: pipeline.WriteOptions{
			Etag: opts.Etag, EtagSet: opts.EtagSet, Headers: opts.Headers,
			NoCache: opts.NoCache, NoReindex: opts.NoReindex,
		},
	}
	return s.pipeline.PutObject(ctx, req)
}

func (s *Store) GetObject(ctx context.Context, bucket, key string) (*pipeline.ObjectRow, error) {
	req := &pipeline.Request{Bucket: bucket, Key: key}
	return s.pipeline.GetObject(ctx, req)
}

// DelObjectOptions carries the per-call options of spec §6 delObject.
type DelObjectOptions struct {
	Etag    *string
	EtagSet bool
	Headers map[string]string
}

func (s *Store) DelObject(ctx context.Context, bucket, key string, opts DelObjectOptions) error {
	req := &pipeline.Request{
		Bucket: bucket,
		Key:    key,
		Write:  pipeline.WriteOptions{Etag: opts.Etag, EtagSet: opts.EtagSet, Headers: opts.Headers},
	}
	return s.pipeline.DelObject(ctx, req)
}

// FindObjectsOptions carries the per-call options of spec §6 findObjects.
type FindObjectsOptions struct {
	Sort    []string
	Limit   int
	Offset  int
	NoLimit bool
	Ignore  []string
}

func (s *Store) FindObjects(ctx context.Context, bucket, filter string, opts FindObjectsOptions) ([]*pipeline.ObjectRow, error) {
	req := &pipeline.Request{
		Bucket: bucket,
		Filter: filter,
		Find: pipeline.FindOptions{
			Sort: opts.Sort, Limit: opts.Limit, Offset: opts.Offset,
			NoLimit: opts.NoLimit, Ignore: opts.Ignore,
		},
	}
	return s.pipeline.FindObjects(ctx, req)
}

// UpdateObjects runs the bulk updateObjects pipeline of spec §6: every row
// matching filter has its indexed columns in fields refreshed, _value left
// untouched.
func (s *Store) UpdateObjects(ctx context.Context, bucket string, fields map[string]interface{}, filter string) (int64, error) {
	req := &pipeline.Request{Bucket: bucket, Filter: filter, Fields: fields}
	return s.pipeline.UpdateObjects(ctx, req)
}

// Batch runs an arbitrary sequence of sub-requests in one transaction
// (spec's supplemented "batch" operation).
func (s *Store) Batch(ctx context.Context, steps []func(*pipeline.Request) error) error {
	return s.pipeline.Batch(ctx, steps)
}

// ReindexObjects backfills up to count stale rows of bucket (spec §6
// "reindexObjects").
func (s *Store) ReindexObjects(ctx context.Context, bucket string, count int) (int64, error) {
	return s.reindex.ReindexObjects(ctx, bucket, count)
}
