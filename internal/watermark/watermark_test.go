package watermark

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	applied, err := s.Advance(ctx, "p1", "a1", "updated_at", "2024-01-02", TypeDatetime)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Advance(ctx, "p1", "a1", "updated_at", "2024-01-01", TypeDatetime)
	require.NoError(t, err)
	assert.False(t, applied, "older value must not move the watermark backward")

	wm, ok, err := s.Get(ctx, "p1", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-01-02", wm.LastValue)
}

func TestCompareNumeric(t *testing.T) {
	cmp, err := Compare("10", "9", TypeNumeric)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
}

func TestCompareDatetimeNormalizesTimezones(t *testing.T) {
	cmp, err := Compare("2024-01-01T12:00:00Z", "2024-01-01T07:00:00-05:00", TypeDatetime)
	require.NoError(t, err)
	assert.Equal(t, 0, cmp, "same instant in different timezones must compare equal")
}

func TestCompareStringLexicographic(t *testing.T) {
	cmp, err := Compare("abc", "abd", TypeString)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestUnchangedOnAbsentInitialValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, ok, err := s.Get(ctx, "p2", "a2")
	require.NoError(t, err)
	assert.False(t, ok)
}
