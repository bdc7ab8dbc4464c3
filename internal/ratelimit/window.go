package ratelimit

import (
	"fmt"
	"time"

	"switchboard/internal/constants"
)

type Granularity string

const (
	GranularitySecond Granularity = "second"
	GranularityHour   Granularity = "hour"
)

func (g Granularity) Duration() time.Duration {
	if g == GranularityHour {
		return time.Hour
	}
	return time.Second
}

// Window is one fixed counting window for an (account, endpoint) pair.
type Window struct {
	AccountID    string      `json:"account_id"`
	Endpoint     string      `json:"endpoint"`
	Granularity  Granularity `json:"granularity"`
	WindowStart  time.Time   `json:"window_start"`
	WindowEnd    time.Time   `json:"window_end"`
	RequestCount int         `json:"request_count"`
	IsBlocked    bool        `json:"is_blocked"`
}

// Current reports whether now falls inside [WindowStart, WindowEnd).
func (w Window) Current(now time.Time) bool {
	return !now.Before(w.WindowStart) && now.Before(w.WindowEnd)
}

// Bounds returns the fixed window containing now: floor(now, g) and floor + g.
func Bounds(g Granularity, now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(g.Duration())
	return start, start.Add(g.Duration())
}

func Key(accountID, endpoint string, g Granularity) string {
	return fmt.Sprintf("%s%s:%s:%s", constants.CacheKeyPrefixRateLimit, accountID, endpoint, g)
}

// Limits are the per-second and per-hour ceilings for one account.
type Limits struct {
	PerSecond int
	PerHour   int
}

// WindowSpec describes one window the fast store must check and increment.
type WindowSpec struct {
	Key         string
	Granularity Granularity
	Start       time.Time
	End         time.Time
	Limit       int
	// Seed initialises the window when the fast store has no state for Key.
	Seed *Window
}

func specsFor(accountID, endpoint string, limits Limits, now time.Time) []WindowSpec {
	secStart, secEnd := Bounds(GranularitySecond, now)
	hourStart, hourEnd := Bounds(GranularityHour, now)
	return []WindowSpec{
		{Key: Key(accountID, endpoint, GranularitySecond), Granularity: GranularitySecond, Start: secStart, End: secEnd, Limit: limits.PerSecond},
		{Key: Key(accountID, endpoint, GranularityHour), Granularity: GranularityHour, Start: hourStart, End: hourEnd, Limit: limits.PerHour},
	}
}
