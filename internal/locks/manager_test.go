package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-core/internal/redis"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	manager, err := NewManager(client)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return manager
}

func TestNewManager_RequiresClient(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "test-lock", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test-lock", lock.Key())
	assert.True(t, lock.IsHeld())

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.IsHeld())
}

func TestAcquireLock_AlreadyHeld(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "contested", 10*time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = manager.AcquireLock(ctx, "contested", 10*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestAcquireLock_ReleasedLockCanBeRetaken(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "cycle", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	again, err := manager.AcquireLock(ctx, "cycle", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, again.IsHeld())
	again.Release(ctx)
}

func TestAcquireDrainLock(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireDrainLock(ctx, "retry-queue")
	require.NoError(t, err)
	defer lock.Release(ctx)

	assert.Equal(t, "drain:retry-queue", lock.Key())

	// a second node must not win the same drain
	_, err = manager.AcquireDrainLock(ctx, "retry-queue")
	assert.ErrorIs(t, err, ErrNotAcquired)

	// a different queue is unaffected
	other, err := manager.AcquireDrainLock(ctx, "other-queue")
	require.NoError(t, err)
	other.Release(ctx)
}

func TestClose_ReleasesHeldLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	manager, err := NewManager(client)
	require.NoError(t, err)

	lock, err := manager.AcquireLock(context.Background(), "held", 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	assert.False(t, lock.IsHeld())

	// a fresh manager can take the lock immediately
	manager2, err := NewManager(client)
	require.NoError(t, err)
	defer manager2.Close()

	again, err := manager2.AcquireLock(context.Background(), "held", 10*time.Second)
	require.NoError(t, err)
	again.Release(context.Background())
}
