package holds

import (
	"context"
	"testing"
	"time"

	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotentOnMatchingAmount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Create(ctx, 1, "H1", 30_000_000, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStateOpen, first.State)
	require.NotNil(t, first.ExpiresAt)

	second, err := s.Create(ctx, 1, "H1", 30_000_000, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = s.Create(ctx, 1, "H1", 40_000_000, 10*time.Minute)
	assert.ErrorIs(t, err, models.ErrDuplicateHold)
}

func TestHoldIDsScopedPerUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.Create(ctx, 1, "H1", 30_000_000, time.Minute)
	require.NoError(t, err)
	b, err := s.Create(ctx, 2, "H1", 99_000_000, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCaptureClearsExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, 1, "H1", 30_000_000, time.Minute)
	require.NoError(t, err)

	captured, err := s.Capture(ctx, 1, "H1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStateCaptured, captured.State)
	assert.Nil(t, captured.ExpiresAt)

	_, err = s.Capture(ctx, 1, "H1")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
	_, err = s.Release(ctx, 1, "H1")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestReleaseLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Release(ctx, 1, "missing")
	assert.ErrorIs(t, err, models.ErrHoldNotFound)

	_, err = s.Create(ctx, 1, "H1", 30_000_000, time.Minute)
	require.NoError(t, err)

	released, err := s.Release(ctx, 1, "H1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStateReleased, released.State)

	_, err = s.Release(ctx, 1, "H1")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestListExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Create(ctx, 1, "fresh", 10_000_000, time.Hour)
	require.NoError(t, err)
	_, err = s.Create(ctx, 1, "stale", 10_000_000, time.Hour)
	require.NoError(t, err)
	_, err = s.Create(ctx, 1, "captured", 10_000_000, time.Hour)
	require.NoError(t, err)

	s.SetExpiry(1, "stale", now.Add(-time.Minute))
	s.SetExpiry(1, "captured", now.Add(-time.Minute))
	_, err = s.Capture(ctx, 1, "captured")
	require.NoError(t, err)

	expired, err := s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ExternalID)
}
