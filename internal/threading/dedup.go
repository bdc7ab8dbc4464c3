package threading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/store"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	OnCacheErrorStore = "store"
	OnCacheErrorFail  = "fail"
)

// Key identifies a message within its account: the provider id, or
// sha256(sender|created|content) when the provider gave none.
func Key(msg *models.CanonicalMessage) string {
	if id := strings.TrimSpace(msg.ExternalID); id != "" {
		return id
	}
	h := sha256.New()
	h.Write([]byte(msg.SenderIdentifier))
	h.Write([]byte("|"))
	h.Write([]byte(msg.Timestamps.Created.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write([]byte(msg.ContentText))
	return hex.EncodeToString(h.Sum(nil))
}

type DedupConfig struct {
	TTL          time.Duration
	Prefix       string
	OnCacheError string
}

// Deduplicator answers "was this message already ingested". The cache is a
// shortcut; the message store's create-if-absent is authoritative.
type Deduplicator struct {
	cache    Cache
	messages store.MessageStore
	cfg      DedupConfig
	logger   logger.Logger
}

// NewDeduplicator accepts a nil cache, in which case every check goes to the store.
func NewDeduplicator(cache Cache, messages store.MessageStore, cfg DedupConfig, log logger.Logger) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = constants.CacheKeyPrefixDedup
	}
	if cfg.OnCacheError == "" {
		cfg.OnCacheError = OnCacheErrorStore
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Deduplicator{cache: cache, messages: messages, cfg: cfg, logger: log}
}

func (d *Deduplicator) cacheKey(msg *models.CanonicalMessage, key string) string {
	return d.cfg.Prefix + msg.AccountID + ":" + key
}

// Seen reports whether msg was ingested before. A first sighting is persisted
// in the message store before Seen returns false.
func (d *Deduplicator) Seen(ctx context.Context, msg *models.CanonicalMessage) (bool, error) {
	key := Key(msg)
	channel := string(msg.ChannelType)

	cached := false
	if d.cache != nil {
		fresh, err := d.cache.SetNX(ctx, d.cacheKey(msg, key), time.Now().Unix(), d.cfg.TTL)
		switch {
		case err != nil && d.cfg.OnCacheError == OnCacheErrorFail:
			metrics.IncFallbackUsage("threading", "fail_on_error", "cache_error")
			return false, fmt.Errorf("dedup cache check for %s failed: %w", msg.InternalID, err)
		case err != nil:
			metrics.IncFallbackUsage("threading", "store_on_error", "cache_error")
			d.logger.WarnwCtx(ctx, "Dedup cache unavailable, falling back to message store", "error", err)
		case !fresh:
			metrics.IncIngestMessage(channel, "duplicate")
			return true, nil
		default:
			cached = true
		}
	}

	created, err := d.messages.CreateIfAbsent(ctx, key, msg)
	if err != nil {
		if cached {
			if derr := d.cache.Del(ctx, d.cacheKey(msg, key)); derr != nil {
				d.logger.WarnwCtx(ctx, "Failed to release dedup key", "error", derr)
			}
		}
		return false, err
	}
	if !created {
		metrics.IncIngestMessage(channel, "duplicate")
		return true, nil
	}
	metrics.IncIngestMessage(channel, "stored")
	return false, nil
}
