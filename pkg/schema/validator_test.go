package schema_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkv/pgkv/internal/testutils"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/schema"
	"github.com/pgkv/pgkv/pkg/trigger"
)

func TestValidateNameAccepts63Characters(t *testing.T) {
	t.Parallel()

	name := "a" + strings.Repeat("b", 62)
	require.Len(t, name, 63)
	assert.NoError(t, schema.ValidateName(name))
}

func TestValidateNameRejects64Characters(t *testing.T) {
	t.Parallel()

	name := "a" + strings.Repeat("b", 63)
	require.Len(t, name, 64)

	err := schema.ValidateName(name)
	assert.ErrorIs(t, err, kverrors.InvalidBucketName)
}

func TestValidateNameRejectsReservedName(t *testing.T) {
	t.Parallel()

	err := schema.ValidateName("moray")
	assert.ErrorIs(t, err, kverrors.InvalidBucketName)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{
		"index": map[string]interface{}{
			"age": map[string]interface{}{"type": "number"},
		},
		"options": map[string]interface{}{"version": float64(1)},
	}

	desc, err := schema.Validate("people", raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "people", desc.Name)
	assert.Equal(t, 1, desc.Options.Version)
	assert.Contains(t, desc.Index, "age")
}

func TestValidateAcceptsConfigAuthoredAsYAML(t *testing.T) {
	t.Parallel()

	raw := testutils.DecodeYAMLConfig(t, `
index:
  age:
    type: number
  city:
    type: string
    unique: false
options:
  version: 3
`)

	desc, err := schema.Validate("people", raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, desc.Options.Version)
	assert.Contains(t, desc.Index, "city")
}

func TestValidateRejectsNonObjectIndex(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{"index": "not an object"}
	_, err := schema.Validate("people", raw, nil)
	assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
}

func TestValidateRejectsUnknownFieldKey(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{
		"index": map[string]interface{}{
			"age": map[string]interface{}{"type": "number", "bogus": true},
		},
	}
	_, err := schema.Validate("people", raw, nil)
	assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{
		"index": map[string]interface{}{
			"age": map[string]interface{}{"type": "frobnicate"},
		},
	}
	_, err := schema.Validate("people", raw, nil)
	assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
}

func TestValidateRejectsNonBooleanUnique(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{
		"index": map[string]interface{}{
			"age": map[string]interface{}{"type": "number", "unique": "yes"},
		},
	}
	_, err := schema.Validate("people", raw, nil)
	assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
}

func TestValidateRejectsNonIntegerVersion(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{"options": map[string]interface{}{"version": 1.5}}
	_, err := schema.Validate("people", raw, nil)
	assert.ErrorIs(t, err, kverrors.InvalidBucketConfig)
}

func TestValidateRejectsUnresolvedTrigger(t *testing.T) {
	t.Parallel()

	reg := trigger.NewRegistry()
	raw := map[string]interface{}{"pre": []interface{}{"audit"}}

	_, err := schema.Validate("people", raw, reg)
	assert.ErrorIs(t, err, kverrors.NotFunction)
}

func TestValidateAcceptsRegisteredTrigger(t *testing.T) {
	t.Parallel()

	reg := trigger.NewRegistry()
	reg.Register("audit", func(ctx context.Context, c *trigger.Cookie) error { return nil })
	raw := map[string]interface{}{"pre": []interface{}{"audit"}}

	desc, err := schema.Validate("people", raw, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, desc.Pre)
}
