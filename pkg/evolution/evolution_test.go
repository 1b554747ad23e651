package evolution_test

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
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
	"github.com/pgkv/pgkv/pkg/types"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func newEngine(t *testing.T, conn *sql.DB) (*evolution.Engine, *catalog.Catalog) {
	t.Helper()
	reg := trigger.NewRegistry()
	cat, err := catalog.New(&db.RDB{DB: conn}, reg, nil, 0)
	require.NoError(t, err)
	require.NoError(t, cat.Bootstrap(context.Background()))
	return evolution.New(&db.RDB{DB: conn}, cat, reg, nil), cat
}

func TestUpdateBucketAddsFieldAndBumpsVersion(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, cat := newEngine(t, conn)
		ctx := context.Background()

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{"age": {Type: types.FieldType{Scalar: types.TypeNumber}}},
			Options: schema.Options{Version: 1},
		}))

		updated, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"index": map[string]interface{}{
				"age":  map[string]interface{}{"type": "number"},
				"name": map[string]interface{}{"type": "string"},
			},
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Options.Version)
		assert.Contains(t, updated.Index, "name")
		assert.Contains(t, updated.ReindexActive[2], "name")
	})
}

func TestUpdateBucketRejectsNonIncreasingVersion(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, cat := newEngine(t, conn)
		ctx := context.Background()

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{},
			Options: schema.Options{Version: 3},
		}))

		_, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		assert.ErrorIs(t, err, kverrors.BucketVersion)
	})
}

func TestUpdateBucketLegacyZeroVersionAlwaysOverwrites(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, cat := newEngine(t, conn)
		ctx := context.Background()

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{},
			Options: schema.Options{Version: 0},
		}))

		updated, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"options": map[string]interface{}{"version": float64(0)},
		}, evolution.Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, updated.Options.Version)
	})
}

func TestUpdateBucketRejectsTypeChangeInPlace(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, cat := newEngine(t, conn)
		ctx := context.Background()

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{"age": {Type: types.FieldType{Scalar: types.TypeNumber}}},
			Options: schema.Options{Version: 1},
		}))

		_, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"index":   map[string]interface{}{"age": map[string]interface{}{"type": "string"}},
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
	})
}

func TestUpdateBucketMissingBucketFails(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, _ := newEngine(t, conn)
		_, err := eng.UpdateBucket(context.Background(), "nope", map[string]interface{}{}, evolution.Options{})
		assert.ErrorIs(t, err, kverrors.BucketNotFound)
	})
}

func TestUpdateBucketDropsRemovedField(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		eng, cat := newEngine(t, conn)
		ctx := context.Background()

		require.NoError(t, cat.Create(ctx, &schema.BucketDescriptor{
			Name:    "people",
			Index:   map[string]schema.FieldDescriptor{"age": {Type: types.FieldType{Scalar: types.TypeNumber}}},
			Options: schema.Options{Version: 1},
		}))

		updated, err := eng.UpdateBucket(ctx, "people", map[string]interface{}{
			"index":   map[string]interface{}{},
			"options": map[string]interface{}{"version": float64(2)},
		}, evolution.Options{})
		require.NoError(t, err)
		assert.NotContains(t, updated.Index, "age")

		var exists bool
		err = conn.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name='people' AND column_name='age')
		`).Scan(&exists)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
