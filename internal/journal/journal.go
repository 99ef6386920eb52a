// Package journal implements the IdempotencyJournal: a keyed bytes store
// with TTL, adapted from the teacher's dedupe cache (which only stored
// touch timestamps) into one that stores the actual response payload so a
// replayed submission can return byte-identical bytes.
package journal

import (
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Journal is process-safe; every subsystem that shares one core must use
// the same instance.
type Journal struct {
	mu      sync.Mutex
	entries map[string]entry
	nowFn   func() time.Time
}

// New creates an empty Journal.
func New() *Journal {
	return &Journal{
		entries: make(map[string]entry),
		nowFn:   time.Now,
	}
}

// Get returns the stored bytes for key if present and unexpired.
func (j *Journal) Get(key string) ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[key]
	if !ok {
		return nil, false
	}
	if j.nowFn().After(e.expiresAt) {
		delete(j.entries, key)
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// PutWithTTL stores value under key for the given duration, overwriting
// any previous entry.
func (j *Journal) PutWithTTL(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key] = entry{value: stored, expiresAt: j.nowFn().Add(ttl)}
}

// Prune evicts expired entries. Callers may invoke this periodically;
// Get also self-prunes lazily on access.
func (j *Journal) Prune() {
	now := j.nowFn()
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, e := range j.entries {
		if now.After(e.expiresAt) {
			delete(j.entries, k)
		}
	}
}

// Scope builds the opaque, collision-proof key the SessionManager uses to
// namespace a caller-chosen idempotency key by agent and provider.
func Scope(agent, provider, userKey string) string {
	return agent + ":" + provider + ":" + userKey
}
