package kverrors_test

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkv/pgkv/pkg/kverrors"
)

func TestFromPostgresClassifiesLockTimeout(t *testing.T) {
	t.Parallel()

	err := &pq.Error{Code: "55P03", Message: "lock not available"}
	got := kverrors.FromPostgres(err)

	assert.True(t, errors.Is(got, kverrors.Transient))
	var kerr *kverrors.Error
	require.ErrorAs(t, got, &kerr)
	assert.True(t, kerr.Temporary())
}

func TestFromPostgresClassifiesUniqueViolation(t *testing.T) {
	t.Parallel()

	err := &pq.Error{Code: "23505", Constraint: "people_email_idx"}
	got := kverrors.FromPostgres(err)

	assert.True(t, errors.Is(got, kverrors.UniqueAttributeError))
	var kerr *kverrors.Error
	require.ErrorAs(t, got, &kerr)
	assert.False(t, kerr.Temporary())
}

func TestFromPostgresPassesThroughExistingError(t *testing.T) {
	t.Parallel()

	original := kverrors.New(kverrors.CodeEtagConflict, "stale etag")
	got := kverrors.FromPostgres(original)

	assert.Same(t, original, got)
}

func TestErrorIsMatchesOnCodeNotMessage(t *testing.T) {
	t.Parallel()

	a := kverrors.New(kverrors.CodeNotIndexed, "field x is not indexed")
	b := kverrors.New(kverrors.CodeNotIndexed, "field y is not indexed")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, kverrors.BucketNotFound))
}
