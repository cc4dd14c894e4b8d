package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "a", time.Minute)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "b", time.Minute)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, l.Unlock(ctx, "a", "someone-else"))
	_, ok, _ = l.TryLock(ctx, "a", time.Minute)
	assert.False(t, ok, "foreign token must not release")

	require.NoError(t, l.Unlock(ctx, "a", token))
	_, ok, _ = l.TryLock(ctx, "a", time.Minute)
	assert.True(t, ok)
}

func TestLocalLockerExpiry(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, _ := l.TryLock(ctx, "a", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "a", time.Second)
	assert.True(t, ok, "expired lease can be taken over")
}
