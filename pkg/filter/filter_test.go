package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkv/pgkv/pkg/filter"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/types"
)

func mustField(t *testing.T, s string) types.FieldType {
	t.Helper()
	ft, err := types.ParseFieldType(s)
	require.NoError(t, err)
	return ft
}

func TestCompileGreaterOrEqualOnIndexedField(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(age>=18)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"age": mustField(t, "number")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)

	assert.Equal(t, `("age" >= $1 AND "age" IS NOT NULL)`, compiled.Clause)
	assert.Equal(t, []interface{}{int64(18)}, compiled.Args)
}

func TestCompileFailsNotIndexedOnUnknownField(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(name=a)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"age": mustField(t, "number")}}
	_, err = filter.Compile(n, dec)

	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompilePresentOnUnindexedAttributeFails(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(name=*)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{}}
	_, err = filter.Compile(n, dec)

	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompileReindexActiveFieldIsUnusable(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(name=a)")
	require.NoError(t, err)

	dec := &filter.Decorator{
		Index:         map[string]types.FieldType{"name": mustField(t, "string")},
		ReindexFields: map[string]bool{"name": true},
	}
	_, err = filter.Compile(n, dec)

	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompileAndDropsUnusableLegButSucceeds(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(&(age>=18)(name=a))")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"age": mustField(t, "number")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Contains(t, compiled.Clause, `"age"`)
	assert.NotContains(t, compiled.Clause, `"name"`)
}

func TestCompileAndAllUnusableFails(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(&(name=a)(city=b))")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{}}
	_, err = filter.Compile(n, dec)
	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompileOrFailsIfAnyLegUnusable(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(|(age>=18)(name=a))")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"age": mustField(t, "number")}}
	_, err = filter.Compile(n, dec)
	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompileNot(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(!(age>=18))")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"age": mustField(t, "number")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Equal(t, `(NOT ("age" >= $1 AND "age" IS NOT NULL))`, compiled.Clause)
}

func TestCompileEqualOnArrayField(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(tags=red)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"tags": mustField(t, "[string]")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Equal(t, `"tags" @> ARRAY[$1]::TEXT[]`, compiled.Clause)
}

func TestCompileSubstringEmptyInitialOneAnyNoFinal(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(name=*x*)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"name": mustField(t, "string")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"%x%"}, compiled.Args)
}

func TestCompileCaseIgnoreSubstringsUsesILIKE(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(name:caseIgnoreSubstringsMatch:=Foo*Bar)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"name": mustField(t, "string")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Contains(t, compiled.Clause, "ILIKE")
	assert.Equal(t, []interface{}{"foo%bar"}, compiled.Args)
}

func TestCompileUnknownExtensibleRuleFailsAtParse(t *testing.T) {
	t.Parallel()

	_, err := filter.Parse("(name:unknownRule:=x)")
	assert.ErrorIs(t, err, kverrors.NotIndexed)
}

func TestCompileApproxFilterRejected(t *testing.T) {
	t.Parallel()

	_, err := filter.Parse("(name~=a)")
	assert.ErrorIs(t, err, kverrors.InvalidQuery)
}

func TestCompileIPComparisonCanonicalizes(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(addr<=10.0.0.255)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{"addr": mustField(t, "ip")}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"10.0.0.255"}, compiled.Args)
}

func TestCompileInternalFieldsUsableWithoutIndexEntry(t *testing.T) {
	t.Parallel()

	n, err := filter.Parse("(_key=p1)")
	require.NoError(t, err)

	dec := &filter.Decorator{Index: map[string]types.FieldType{}}
	compiled, err := filter.Compile(n, dec)
	require.NoError(t, err)
	assert.Equal(t, `("_key" = $1 AND "_key" IS NOT NULL)`, compiled.Clause)
}

func TestCompileNilNodeFailsNotIndexed(t *testing.T) {
	t.Parallel()

	_, err := filter.Compile(nil, &filter.Decorator{})
	assert.ErrorIs(t, err, kverrors.NotIndexed)
}
