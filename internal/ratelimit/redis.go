package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/logger"
	"switchboard/pkg/metrics"
)

// admitScript checks and increments every window of one request atomically.
// Each key is a hash {start, end, count, blocked} with millisecond bounds.
// ARGV: seeded, then per key: start, end, limit, seed_count, seed_blocked.
// Reply: {denied_index (0 = none, -1 = miss), then per key: start, end, count, blocked}.
var admitScript = redis.NewScript(`
local seeded = ARGV[1] == "1"
local n = #KEYS
local starts, ends, counts, blocked, limits = {}, {}, {}, {}, {}
for i = 1, n do
  local base = 1 + (i - 1) * 5
  local start = tonumber(ARGV[base + 1])
  local wend = tonumber(ARGV[base + 2])
  limits[i] = tonumber(ARGV[base + 3])
  local vals = redis.call("HMGET", KEYS[i], "start", "end", "count", "blocked")
  if vals[1] == false then
    if not seeded then
      return {-1}
    end
    starts[i], ends[i] = start, wend
    counts[i] = tonumber(ARGV[base + 4])
    blocked[i] = tonumber(ARGV[base + 5])
  elseif tonumber(vals[2]) <= start then
    starts[i], ends[i], counts[i], blocked[i] = start, wend, 0, 0
  else
    starts[i], ends[i] = tonumber(vals[1]), tonumber(vals[2])
    counts[i], blocked[i] = tonumber(vals[3]), tonumber(vals[4])
  end
end
local denied = 0
for i = 1, n do
  if counts[i] >= limits[i] then
    blocked[i] = 1
    if denied == 0 then
      denied = i
    end
  end
end
if denied == 0 then
  for i = 1, n do
    counts[i] = counts[i] + 1
  end
end
local out = {denied}
for i = 1, n do
  redis.call("HSET", KEYS[i], "start", starts[i], "end", ends[i], "count", counts[i], "blocked", blocked[i])
  redis.call("PEXPIREAT", KEYS[i], ends[i])
  table.insert(out, starts[i])
  table.insert(out, ends[i])
  table.insert(out, counts[i])
  table.insert(out, blocked[i])
end
return out
`)

// RedisFastStore runs the admit step as a Lua script. When Redis is unreachable
// it degrades to the in-process Fallback.
type RedisFastStore struct {
	client   *redis.Client
	timeout  time.Duration
	Fallback *MemoryFastStore
	logger   logger.Logger
}

func NewRedisFastStore(client *redis.Client, log logger.Logger) *RedisFastStore {
	return &RedisFastStore{
		client:   client,
		timeout:  2 * time.Second,
		Fallback: NewMemoryFastStore(),
		logger:   log,
	}
}

func (s *RedisFastStore) Admit(ctx context.Context, specs []WindowSpec, seeded bool) (AdmitResult, error) {
	if s.client == nil {
		return s.Fallback.Admit(ctx, specs, seeded)
	}

	keys := make([]string, len(specs))
	args := make([]interface{}, 0, 1+len(specs)*5)
	if seeded {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	for i, spec := range specs {
		keys[i] = spec.Key
		seedCount, seedBlocked := 0, 0
		if spec.Seed != nil {
			seedCount = spec.Seed.RequestCount
			if spec.Seed.IsBlocked {
				seedBlocked = 1
			}
		}
		args = append(args, spec.Start.UnixMilli(), spec.End.UnixMilli(), spec.Limit, seedCount, seedBlocked)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := admitScript.Run(runCtx, s.client, keys, args...).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return AdmitResult{}, ctx.Err()
		}
		s.logger.WarnwCtx(ctx, "Rate limit fast store unavailable, using in-memory fallback", "error", err)
		metrics.IncFallbackUsage("ratelimit", "memory", "redis_error")
		return s.Fallback.Admit(ctx, specs, seeded)
	}

	return decodeAdmitReply(res, specs)
}

func decodeAdmitReply(res []int64, specs []WindowSpec) (AdmitResult, error) {
	if len(res) == 1 && res[0] == -1 {
		return AdmitResult{Status: AdmitMiss, Denied: -1}, nil
	}
	if len(res) != 1+4*len(specs) {
		return AdmitResult{}, fmt.Errorf("unexpected rate limit script reply of length %d", len(res))
	}

	result := AdmitResult{Status: AdmitAllowed, Denied: int(res[0]) - 1, Windows: make([]Window, len(specs))}
	if result.Denied >= 0 {
		result.Status = AdmitDenied
	}
	for i, spec := range specs {
		base := 1 + i*4
		result.Windows[i] = Window{
			Granularity:  spec.Granularity,
			WindowStart:  time.UnixMilli(res[base]).UTC(),
			WindowEnd:    time.UnixMilli(res[base+1]).UTC(),
			RequestCount: int(res[base+2]),
			IsBlocked:    res[base+3] == 1,
		}
	}
	return result, nil
}
