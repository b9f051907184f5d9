package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimRecordFetch(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	isNew, prior, err := g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Nil(t, prior)

	require.NoError(t, g.Record(ctx, "collect", 1, "T1", []byte(`{"transaction_id":"abc"}`)))

	isNew, prior, err = g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.JSONEq(t, `{"transaction_id":"abc"}`, string(prior))
}

func TestKeysScopedByOperationAndUser(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	_, _, err := g.ClaimOrFetch(ctx, "preauthorize", 1, "K")
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "preauthorize", 1, "K", []byte(`1`)))

	// Same key, different operation type: fresh claim.
	isNew, _, err := g.ClaimOrFetch(ctx, "release", 1, "K")
	require.NoError(t, err)
	assert.True(t, isNew)

	// Same key, different user: fresh claim.
	isNew, _, err = g.ClaimOrFetch(ctx, "preauthorize", 2, "K")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestForgetReleasesUnrecordedClaim(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	isNew, _, err := g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, g.Forget(ctx, "collect", 1, "T1"))

	isNew, _, err = g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestForgetDoesNotDropRecordedResult(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	_, _, err := g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "collect", 1, "T1", []byte(`ok`)))
	require.NoError(t, g.Forget(ctx, "collect", 1, "T1"))

	isNew, prior, err := g.ClaimOrFetch(ctx, "collect", 1, "T1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, []byte(`ok`), prior)
}
