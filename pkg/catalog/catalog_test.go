package catalog_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkv/pgkv/internal/testutils"
	"github.com/pgkv/pgkv/pkg/catalog"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
	"github.com/pgkv/pgkv/pkg/types"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestEncodeDecodeDescriptorRoundTrip(t *testing.T) {
	t.Parallel()

	desc := &schema.BucketDescriptor{
		Name: "people",
		Index: map[string]schema.FieldDescriptor{
			"age": {Type: types.FieldType{Scalar: types.TypeNumber}},
		},
		Pre:           []string{"audit"},
		Post:          nil,
		Options:       schema.Options{Version: 2},
		ReindexActive: schema.ReindexActive{2: {"age"}},
	}

	indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, err := catalog.EncodeDescriptor(desc)
	require.NoError(t, err)

	decoded, err := catalog.DecodeDescriptor("people", indexJSON, preJSON, postJSON, optionsJSON, reindexJSON, desc.Mtime)
	require.NoError(t, err)

	assert.Equal(t, desc.Name, decoded.Name)
	assert.Equal(t, desc.Options, decoded.Options)
	assert.Equal(t, desc.Pre, decoded.Pre)
	assert.Equal(t, []string{"age"}, decoded.ReindexActive[2])
	assert.Equal(t, types.TypeNumber, decoded.Index["age"].Type.Scalar)
}

func TestEncodeDescriptorOmitsEmptyReindexActive(t *testing.T) {
	t.Parallel()

	desc := &schema.BucketDescriptor{Name: "people", Index: map[string]schema.FieldDescriptor{}}
	_, _, _, _, reindexJSON, err := catalog.EncodeDescriptor(desc)
	require.NoError(t, err)
	assert.False(t, reindexJSON.Valid)
}

func newCatalog(t *testing.T, conn *sql.DB) *catalog.Catalog {
	t.Helper()
	reg := trigger.NewRegistry()
	reg.Register("audit", func(ctx context.Context, c *trigger.Cookie) error { return nil })

	c, err := catalog.New(&db.RDB{DB: conn}, reg, nil, 0)
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap(context.Background()))
	return c
}

func TestCatalogCreateGetRoundTrip(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		c := newCatalog(t, conn)
		ctx := context.Background()

		desc := &schema.BucketDescriptor{
			Name: "people",
			Index: map[string]schema.FieldDescriptor{
				"age": {Type: types.FieldType{Scalar: types.TypeNumber}},
			},
			Pre:     []string{"audit"},
			Options: schema.Options{Version: 1},
		}
		require.NoError(t, c.Create(ctx, desc))

		got, err := c.Get(ctx, "people", false)
		require.NoError(t, err)
		assert.Equal(t, "people", got.Name)
		assert.Equal(t, 1, got.Options.Version)
		assert.Len(t, got.PreFuncs, 1)
	})
}

func TestCatalogGetMissingBucketFails(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		c := newCatalog(t, conn)
		_, err := c.Get(context.Background(), "nope", false)
		assert.Error(t, err)
	})
}

func TestCatalogInvalidateForcesReread(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		c := newCatalog(t, conn)
		ctx := context.Background()

		desc := &schema.BucketDescriptor{Name: "people", Index: map[string]schema.FieldDescriptor{}, Options: schema.Options{Version: 1}}
		require.NoError(t, c.Create(ctx, desc))

		_, err := c.Get(ctx, "people", false)
		require.NoError(t, err)

		c.Invalidate("people")

		got, err := c.Get(ctx, "people", false)
		require.NoError(t, err)
		assert.Equal(t, "people", got.Name)
	})
}

func TestCatalogDeleteDropsDescriptorAndRelation(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		c := newCatalog(t, conn)
		ctx := context.Background()

		desc := &schema.BucketDescriptor{Name: "people", Index: map[string]schema.FieldDescriptor{}, Options: schema.Options{Version: 1}}
		require.NoError(t, c.Create(ctx, desc))
		require.NoError(t, c.Delete(ctx, "people"))

		_, err := c.Get(ctx, "people", true)
		assert.Error(t, err)
	})
}

func TestCatalogListReadsThroughCache(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		c := newCatalog(t, conn)
		ctx := context.Background()

		require.NoError(t, c.Create(ctx, &schema.BucketDescriptor{Name: "alpha", Index: map[string]schema.FieldDescriptor{}, Options: schema.Options{Version: 1}}))
		require.NoError(t, c.Create(ctx, &schema.BucketDescriptor{Name: "beta", Index: map[string]schema.FieldDescriptor{}, Options: schema.Options{Version: 1}}))

		list, err := c.List(ctx)
		require.NoError(t, err)
		names := []string{list[0].Name, list[1].Name}
		assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
	})
}
