package threading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/logger"
	"switchboard/internal/store"
	"switchboard/pkg/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestKey(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := models.NewInboundMessage(models.ChannelWhatsApp, "acc", created)
	m.SenderIdentifier = "1555"
	m.ContentText = "hello"

	hashed := Key(m)
	assert.Len(t, hashed, 64)

	same := models.NewInboundMessage(models.ChannelWhatsApp, "acc", created)
	same.SenderIdentifier = "1555"
	same.ContentText = "hello"
	assert.Equal(t, hashed, Key(same))

	m.ExternalID = "wamid.1"
	assert.Equal(t, "wamid.1", Key(m))
}

func TestDeduplicator_DoubleIngestStoresOnce(t *testing.T) {
	mr, client := newRedis(t)
	messages := store.NewMemoryMessageStore()
	d := NewDeduplicator(NewRedisCache(client), messages, DedupConfig{TTL: time.Hour}, logger.NopLogger())
	ctx := context.Background()

	first := email("m-1@mail", "hello")
	seen, err := d.Seen(ctx, first)
	require.NoError(t, err)
	assert.False(t, seen)

	again := email("m-1@mail", "hello")
	seen, err = d.Seen(ctx, again)
	require.NoError(t, err)
	assert.True(t, seen)

	assert.Equal(t, 1, messages.Len())
	assert.True(t, mr.Exists("dedup:acc:m-1@mail"))
	assert.Equal(t, time.Hour, mr.TTL("dedup:acc:m-1@mail"))
}

func TestDeduplicator_StoreIsAuthoritativeAfterCacheExpiry(t *testing.T) {
	mr, client := newRedis(t)
	messages := store.NewMemoryMessageStore()
	d := NewDeduplicator(NewRedisCache(client), messages, DedupConfig{TTL: time.Minute}, logger.NopLogger())
	ctx := context.Background()

	_, err := d.Seen(ctx, email("m-2@mail", "x"))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	seen, err := d.Seen(ctx, email("m-2@mail", "x"))
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, messages.Len())
}

func TestDeduplicator_CacheErrorPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("store fallback", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()
		messages := store.NewMemoryMessageStore()
		d := NewDeduplicator(NewRedisCache(client), messages, DedupConfig{OnCacheError: OnCacheErrorStore}, logger.NopLogger())

		seen, err := d.Seen(ctx, email("m-3@mail", "x"))
		require.NoError(t, err)
		assert.False(t, seen)
		seen, err = d.Seen(ctx, email("m-3@mail", "x"))
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("fail", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()
		messages := store.NewMemoryMessageStore()
		d := NewDeduplicator(NewRedisCache(client), messages, DedupConfig{OnCacheError: OnCacheErrorFail}, logger.NopLogger())

		_, err := d.Seen(ctx, email("m-4@mail", "x"))
		require.Error(t, err)
		assert.Equal(t, 0, messages.Len())
	})
}

type failingStore struct {
	*store.MemoryMessageStore
}

func (failingStore) CreateIfAbsent(context.Context, string, *models.CanonicalMessage) (bool, error) {
	return false, errors.New("db down")
}

func TestDeduplicator_ReleasesCacheKeyWhenStoreFails(t *testing.T) {
	mr, client := newRedis(t)
	d := NewDeduplicator(NewRedisCache(client), failingStore{store.NewMemoryMessageStore()}, DedupConfig{}, logger.NopLogger())

	_, err := d.Seen(context.Background(), email("m-5@mail", "x"))
	require.Error(t, err)
	assert.False(t, mr.Exists("dedup:acc:m-5@mail"), "a failed insert must not shadow the retry")
}

func TestDeduplicator_NoCache(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	d := NewDeduplicator(nil, messages, DedupConfig{}, logger.NopLogger())
	ctx := context.Background()

	seen, err := d.Seen(ctx, email("m-6@mail", "x"))
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = d.Seen(ctx, email("m-6@mail", "x"))
	require.NoError(t, err)
	assert.True(t, seen)
}
