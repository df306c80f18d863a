package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/storage/presence"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

func newTracker(t *testing.T, addr, node string, ttl time.Duration) *presence.RedisTracker {
	t.Helper()
	tr, err := presence.NewRedisTracker(context.Background(), config.PresenceConfig{
		Enabled: true,
		Addr:    addr,
		TTL:     ttl,
	}, node)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRedisTracker_OnlineLookupOffline(t *testing.T) {
	addr := testutil.NewRedisContainer(t)
	tr := newTracker(t, addr, "lobby-1", time.Minute)
	ctx := context.Background()

	_, online, err := tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tr.Online(ctx, "7656", "conn-1"))
	node, online, err := tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "lobby-1", node)

	require.NoError(t, tr.Offline(ctx, "7656", "conn-1"))
	_, online, err = tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisTracker_TTLAndRefresh(t *testing.T) {
	addr := testutil.NewRedisContainer(t)
	tr := newTracker(t, addr, "lobby-1", 30*time.Second)
	ctx := context.Background()
	raw := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = raw.Close() })

	require.NoError(t, tr.Online(ctx, "7656", "conn-1"))
	ttl, err := raw.TTL(ctx, presence.Key("7656")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)

	require.NoError(t, raw.Del(ctx, presence.Key("7656")).Err())
	require.NoError(t, tr.Refresh(ctx, "7656", "conn-1"))
	_, online, err := tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.True(t, online, "refresh re-creates an expired key")
	assert.Equal(t, 15*time.Second, tr.Interval())
}

func TestRedisTracker_OfflineKeepsOtherNodesClaim(t *testing.T) {
	addr := testutil.NewRedisContainer(t)
	first := newTracker(t, addr, "lobby-1", time.Minute)
	second := newTracker(t, addr, "lobby-2", time.Minute)
	ctx := context.Background()

	require.NoError(t, first.Online(ctx, "7656", "conn-1"))
	require.NoError(t, second.Online(ctx, "7656", "conn-2"))
	require.NoError(t, first.Offline(ctx, "7656", "conn-1"))

	node, online, err := second.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "lobby-2", node)
}

func TestRedisTracker_OfflineKeepsNewerConnectionOnSameNode(t *testing.T) {
	addr := testutil.NewRedisContainer(t)
	tr := newTracker(t, addr, "lobby-1", time.Minute)
	ctx := context.Background()

	require.NoError(t, tr.Online(ctx, "7656", "conn-old"))
	require.NoError(t, tr.Online(ctx, "7656", "conn-new"))
	require.NoError(t, tr.Offline(ctx, "7656", "conn-old"))

	node, online, err := tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.True(t, online, "closing the older connection keeps the newer claim")
	assert.Equal(t, "lobby-1", node)

	require.NoError(t, tr.Offline(ctx, "7656", "conn-new"))
	_, online, err = tr.Lookup(ctx, "7656")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestNewRedisTracker_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := presence.NewRedisTracker(ctx, config.PresenceConfig{Addr: "127.0.0.1:1", TTL: time.Minute}, "n")
	assert.Error(t, err)
}

func TestNopTracker(t *testing.T) {
	var tr presence.Tracker = presence.NopTracker{}
	ctx := context.Background()
	assert.NoError(t, tr.Online(ctx, "x", "c"))
	assert.NoError(t, tr.Refresh(ctx, "x", "c"))
	assert.NoError(t, tr.Offline(ctx, "x", "c"))
	_, online, err := tr.Lookup(ctx, "x")
	assert.NoError(t, err)
	assert.False(t, online)
	assert.Zero(t, tr.Interval())
}
