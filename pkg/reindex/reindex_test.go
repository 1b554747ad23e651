package reindex_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkv/pgkv/internal/testutils"
	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/evolution"
	"github.com/pgkv/pgkv/pkg/reindex"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
	"github.com/pgkv/pgkv/pkg/types"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestReindexObjectsBackfillsStaleRowsAndClearsReindexActive(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		database := &db.RDB{DB: conn}
		reg := trigger.NewRegistry()

		cat, err := catalog.New(database, reg, nil, 0)
		require.NoError(t, err)
		require.NoError(t, cat.Bootstrap(ctx))

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{"age": {Type: types.FieldType{Scalar: types.TypeNumber}}},
			Options: schema.Options{Version: 1},
		}))

		for _, key := range []string{"alice", "bob", "carol"} {
			_, err := conn.ExecContext(ctx,
				`INSERT INTO people (_key, _value, _etag, _mtime, age) VALUES ($1, $2, $3, $4, $5)`,
				key, `{"age":30}`, "etag-"+key, int64(1), int64(30))
			require.NoError(t, err)
		}

		eng := evolution.New(database, cat, reg, nil)
		updated, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"index": map[string]interface{}{
				"age":  map[string]interface{}{"type": "number"},
				"name": map[string]interface{}{"type": "string"},
			},
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		require.NoError(t, err)
		assert.Contains(t, updated.ReindexActive[2], "name")

		rx := reindex.New(database, cat, nil, reindex.WithBatchSize(2))
		done, err := rx.ReindexObjects(ctx, "people", 0)
		require.NoError(t, err)
		assert.EqualValues(t, 3, done)

		var remaining int
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT count(*) FROM people WHERE _rver < 2").Scan(&remaining))
		assert.Zero(t, remaining)

		desc, err := cat.Get(ctx, "people", true)
		require.NoError(t, err)
		assert.NotContains(t, desc.ReindexActive, 2)
	})
}

func TestReindexObjectsRespectsCountCap(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		database := &db.RDB{DB: conn}
		reg := trigger.NewRegistry()

		cat, err := catalog.New(database, reg, nil, 0)
		require.NoError(t, err)
		require.NoError(t, cat.Bootstrap(ctx))

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{"age": {Type: types.FieldType{Scalar: types.TypeNumber}}},
			Options: schema.Options{Version: 1},
		}))

		for _, key := range []string{"alice", "bob"} {
			_, err := conn.ExecContext(ctx,
				`INSERT INTO people (_key, _value, _etag, _mtime, age) VALUES ($1, $2, $3, $4, $5)`,
				key, `{"age":30}`, "etag-"+key, int64(1), int64(30))
			require.NoError(t, err)
		}

		eng := evolution.New(database, cat, reg, nil)
		_, err = eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"index":   map[string]interface{}{"age": map[string]interface{}{"type": "number"}},
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		require.NoError(t, err)

		rx := reindex.New(database, cat, nil)
		done, err := rx.ReindexObjects(ctx, "people", 1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, done)
	})
}

func TestReindexObjectsNoOpWhenNoStaleRows(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		database := &db.RDB{DB: conn}
		reg := trigger.NewRegistry()

		cat, err := catalog.New(database, reg, nil, 0)
		require.NoError(t, err)
		require.NoError(t, cat.Bootstrap(ctx))

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{},
			Options: schema.Options{Version: 1},
		}))

		rx := reindex.New(database, cat, nil)
		done, err := rx.ReindexObjects(ctx, "people", 0)
		require.NoError(t, err)
		assert.Zero(t, done)
	})
}
