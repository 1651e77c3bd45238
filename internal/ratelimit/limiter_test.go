package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, zerolog.Nop()), mr
}

func TestLimiterBlocksAfterLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "user-1", rule)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "user-1", rule)
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "user-2", rule)
	require.NoError(t, err)
	require.True(t, allowed, "limits are tracked per identifier")
}

func TestLimiterWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	rule := Rule{Key: "test:", Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user-1", rule)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _ = limiter.Allow(ctx, "user-1", rule)
	require.False(t, allowed)

	mr.FastForward(11 * time.Second)

	allowed, err = limiter.Allow(ctx, "user-1", rule)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "user-1", ChatMessageRule("gema"))
	require.Error(t, err)
	require.True(t, allowed)
}

func TestNilLimiterAllows(t *testing.T) {
	limiter := NewLimiter(nil, zerolog.Nop())
	require.Nil(t, limiter)

	allowed, err := limiter.Allow(context.Background(), "user-1", ChatMessageRule("gema"))
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestChatRulesUseChannelBase(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	require.Equal(t, "campus:rl:chat:room:", ChatRoomRule("campus").Key)
	require.Equal(t, "campus:rl:chat:msg:", ChatMessageRule("campus").Key)

	allowed, err := limiter.Allow(ctx, "7", ChatRoomRule("campus"))
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, mr.Exists("campus:rl:chat:room:7"))
	require.False(t, mr.Exists("gema:rl:chat:room:7"))
}
