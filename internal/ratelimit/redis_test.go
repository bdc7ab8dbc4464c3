package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/logger"
)

func newRedisStore(t *testing.T, clock *fakeClock) (*miniredis.Miniredis, *RedisFastStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(clock.Now())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisFastStore(client, logger.NopLogger())
}

func TestRedisFastStoreReportsMissWithoutSeed(t *testing.T) {
	clock := newFakeClock()
	_, store := newRedisStore(t, clock)

	specs := specsFor("acc-1", "messages", Limits{PerSecond: 2, PerHour: 10}, clock.Now())
	res, err := store.Admit(context.Background(), specs, false)
	require.NoError(t, err)
	assert.Equal(t, AdmitMiss, res.Status)
}

func TestRedisFastStoreEnforcesLimits(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, store := newRedisStore(t, clock)
	l := NewLimiter(store, NewMemoryDurableStore(), logger.NopLogger(), WithClock(clock.Now))
	limits := Limits{PerSecond: 2, PerHour: 10}

	for i := 1; i <= 2; i++ {
		d, err := l.Acquire(ctx, "acc-1", "messages", limits)
		require.NoError(t, err)
		assert.Equal(t, i, d.Second.RequestCount)
	}

	d, err := l.Acquire(ctx, "acc-1", "messages", limits)
	require.Error(t, err)
	assert.True(t, d.Second.IsBlocked)
	assert.Equal(t, 2, d.Hour.RequestCount)
	assert.Equal(t, "1", mr.HGet(Key("acc-1", "messages", GranularitySecond), "blocked"))

	clock.Advance(time.Second)
	mr.SetTime(clock.Now())

	d, err = l.Acquire(ctx, "acc-1", "messages", limits)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Second.RequestCount)
	assert.Equal(t, 3, d.Hour.RequestCount)
	assert.Equal(t, clock.Now().Truncate(time.Second), d.Second.WindowStart)
}

func TestRedisFastStoreSeedsFromDurableWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, store := newRedisStore(t, clock)
	durable := NewMemoryDurableStore()
	start, end := Bounds(GranularityHour, clock.Now())
	require.NoError(t, durable.Save(ctx, Window{
		AccountID: "acc-1", Endpoint: "messages", Granularity: GranularityHour,
		WindowStart: start, WindowEnd: end, RequestCount: 10,
	}))

	l := NewLimiter(store, durable, logger.NopLogger(), WithClock(clock.Now))
	d, err := l.Acquire(ctx, "acc-1", "messages", Limits{PerSecond: 5, PerHour: 10})
	require.Error(t, err)
	assert.True(t, d.Hour.IsBlocked)
	assert.Equal(t, 10, d.Hour.RequestCount)
}

func TestRedisFastStoreFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr, store := newRedisStore(t, clock)
	mr.Close()

	l := NewLimiter(store, NewMemoryDurableStore(), logger.NopLogger(), WithClock(clock.Now))
	limits := Limits{PerSecond: 1, PerHour: 10}

	_, err := l.Acquire(ctx, "acc-1", "messages", limits)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "acc-1", "messages", limits)
	require.Error(t, err, "fallback store still enforces limits")
}

func TestDecodeAdmitReplyRejectsShortReply(t *testing.T) {
	specs := specsFor("a", "e", Limits{PerSecond: 1, PerHour: 1}, time.Now())
	_, err := decodeAdmitReply([]int64{0, 1, 2}, specs)
	assert.Error(t, err)
}
