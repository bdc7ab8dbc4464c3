package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type AdmitStatus int

const (
	AdmitAllowed AdmitStatus = iota
	AdmitDenied
	// AdmitMiss means the fast store holds no state for at least one key and
	// the caller must retry with seeds.
	AdmitMiss
)

type AdmitResult struct {
	Status AdmitStatus
	// Windows holds the post-operation state, in the same order as the requested specs.
	Windows []Window
	// Denied is the index of the first window at its limit, or -1.
	Denied int
}

// FastStore performs the atomic read-check-increment over all windows of one request.
// If any window is at its limit, that window is marked blocked and no window is incremented.
type FastStore interface {
	Admit(ctx context.Context, specs []WindowSpec, seeded bool) (AdmitResult, error)
}

// DurableStore keeps a write-back copy of the fast windows.
type DurableStore interface {
	Load(ctx context.Context, accountID, endpoint string, g Granularity) (*Window, error)
	Save(ctx context.Context, w Window) error
}

type memoryEntry struct {
	start, end time.Time
	count      int
	blocked    bool
}

// memoryPair holds the windows of one (account, endpoint) pair.
type memoryPair struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	evicted bool
}

func (p *memoryPair) expired(now time.Time) bool {
	for _, e := range p.entries {
		if e.end.After(now) {
			return false
		}
	}
	return true
}

const memorySweepInterval = time.Minute

// MemoryFastStore is the in-process FastStore. Requests for the same
// (account, endpoint) pair serialise on a per-pair mutex. Pairs whose windows
// have all ended are evicted at most once per memorySweepInterval.
type MemoryFastStore struct {
	mu        sync.Mutex
	pairs     map[string]*memoryPair
	lastSweep time.Time
}

func NewMemoryFastStore() *MemoryFastStore {
	return &MemoryFastStore{
		pairs: make(map[string]*memoryPair),
	}
}

func pairKey(key string) string {
	if idx := strings.LastIndex(key, ":"); idx > 0 {
		return key[:idx]
	}
	return key
}

// lockPair returns the pair for key with its mutex held.
func (s *MemoryFastStore) lockPair(key string, now time.Time) *memoryPair {
	for {
		s.mu.Lock()
		if now.Sub(s.lastSweep) >= memorySweepInterval {
			s.sweepLocked(now)
			s.lastSweep = now
		}
		p, ok := s.pairs[key]
		if !ok {
			p = &memoryPair{entries: make(map[string]*memoryEntry)}
			s.pairs[key] = p
		}
		s.mu.Unlock()

		p.mu.Lock()
		if !p.evicted {
			return p
		}
		p.mu.Unlock()
	}
}

func (s *MemoryFastStore) sweepLocked(now time.Time) {
	for key, p := range s.pairs {
		if !p.mu.TryLock() {
			continue
		}
		if p.expired(now) {
			p.evicted = true
			delete(s.pairs, key)
		}
		p.mu.Unlock()
	}
}

// Len reports how many (account, endpoint) pairs are held.
func (s *MemoryFastStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func (s *MemoryFastStore) Admit(_ context.Context, specs []WindowSpec, seeded bool) (AdmitResult, error) {
	if len(specs) == 0 {
		return AdmitResult{Status: AdmitAllowed, Denied: -1}, nil
	}

	now := specs[0].Start
	for _, spec := range specs[1:] {
		if spec.Start.After(now) {
			now = spec.Start
		}
	}

	pair := s.lockPair(pairKey(specs[0].Key), now)
	defer pair.mu.Unlock()

	entries := make([]*memoryEntry, len(specs))
	for i, spec := range specs {
		e, ok := pair.entries[spec.Key]
		switch {
		case !ok && !seeded:
			return AdmitResult{Status: AdmitMiss, Denied: -1}, nil
		case !ok:
			e = &memoryEntry{start: spec.Start, end: spec.End}
			if spec.Seed != nil {
				e.count = spec.Seed.RequestCount
				e.blocked = spec.Seed.IsBlocked
			}
		case !e.end.After(spec.Start):
			// a window that ended at or before the requested one has expired
			e = &memoryEntry{start: spec.Start, end: spec.End}
		}
		entries[i] = e
	}

	denied := -1
	for i, spec := range specs {
		if entries[i].count >= spec.Limit {
			entries[i].blocked = true
			if denied < 0 {
				denied = i
			}
		}
	}
	if denied < 0 {
		for _, e := range entries {
			e.count++
		}
	}

	result := AdmitResult{Status: AdmitAllowed, Denied: denied, Windows: make([]Window, len(specs))}
	if denied >= 0 {
		result.Status = AdmitDenied
	}
	for i, spec := range specs {
		pair.entries[spec.Key] = entries[i]
		result.Windows[i] = Window{
			Granularity:  spec.Granularity,
			WindowStart:  entries[i].start,
			WindowEnd:    entries[i].end,
			RequestCount: entries[i].count,
			IsBlocked:    entries[i].blocked,
		}
	}
	return result, nil
}

type durableKey struct {
	accountID, endpoint string
	granularity         Granularity
}

// MemoryDurableStore is a DurableStore for tests and single-node deployments.
type MemoryDurableStore struct {
	mu      sync.RWMutex
	windows map[durableKey]Window
	saves   int
}

func NewMemoryDurableStore() *MemoryDurableStore {
	return &MemoryDurableStore{windows: make(map[durableKey]Window)}
}

func (s *MemoryDurableStore) Load(_ context.Context, accountID, endpoint string, g Granularity) (*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[durableKey{accountID, endpoint, g}]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// Save keeps request counts non-decreasing within a window.
func (s *MemoryDurableStore) Save(_ context.Context, w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := durableKey{w.AccountID, w.Endpoint, w.Granularity}
	if existing, ok := s.windows[k]; ok && existing.WindowStart.Equal(w.WindowStart) && existing.RequestCount > w.RequestCount {
		w.RequestCount = existing.RequestCount
	}
	if existing, ok := s.windows[k]; ok && existing.WindowStart.After(w.WindowStart) {
		return nil
	}
	s.windows[k] = w
	s.saves++
	return nil
}

func (s *MemoryDurableStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
