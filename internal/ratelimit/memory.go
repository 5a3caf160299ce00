package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	windowStartMs int64
	count         int
}

// MemoryStore keeps counters in process memory. The mutex makes each
// Increment atomic, which stands in for the store-side atomicity of the
// Redis and SQL stores.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[Key]*memoryEntry),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key Key, window time.Duration, now time.Time) (Counter, error) {
	nowMs := now.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.counters[key]
	if entry == nil || expired(nowMs, entry.windowStartMs, window) {
		entry = &memoryEntry{windowStartMs: AlignWindow(now, window).UnixMilli()}
		s.counters[key] = entry
	}
	entry.count++
	return Counter{Count: entry.count, WindowStart: time.UnixMilli(entry.windowStartMs).UTC()}, nil
}
