package leader_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/scheduler/leader"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newClientWithServer(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestTryAcquireGrantsToFirstOwner(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()

	l := leader.New(rdb, "scheduler:manager", "host-a", time.Minute)
	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquireRejectsSecondOwner(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()

	a := leader.New(rdb, "scheduler:manager", "host-a", time.Minute)
	b := leader.New(rdb, "scheduler:manager", "host-b", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryAcquireIsIdempotentForSameOwner(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()

	a := leader.New(rdb, "scheduler:manager", "host-a", time.Minute)
	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewFailsAfterAnotherOwnerTakesOver(t *testing.T) {
	rdb, mr := newClientWithServer(t)
	ctx := context.Background()

	a := leader.New(rdb, "scheduler:manager", "host-a", time.Second)
	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	b := leader.New(rdb, "scheduler:manager", "host-b", time.Minute)
	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = a.Renew(ctx)
	assert.ErrorIs(t, err, leader.ErrNotLeader)
}

func TestReleaseThenReacquireBySomeoneElse(t *testing.T) {
	rdb := newClient(t)
	ctx := context.Background()

	a := leader.New(rdb, "scheduler:manager", "host-a", time.Minute)
	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))

	b := leader.New(rdb, "scheduler:manager", "host-b", time.Minute)
	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
