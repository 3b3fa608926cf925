package memory

import (
	"sync"
	"time"
)

type ttlEntry struct {
	value     any
	expiresAt time.Time
}

// TTLMap is a small expiring key/value map used for the short-lived
// correlation keys the pipeline needs (reward cache, cancel flags,
// heartbeats, pending proactive markers).
type TTLMap struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
}

// NewTTLMap creates an empty TTL map
func NewTTLMap() *TTLMap {
	return &TTLMap{entries: make(map[string]ttlEntry)}
}

// Set stores value under key for ttl. ttl <= 0 means no expiry.
func (m *TTLMap) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := ttlEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
}

// Get returns the value and whether it exists (and is unexpired)
func (m *TTLMap) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// GetString returns a string value, or "" when missing
func (m *TTLMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Delete removes a key
func (m *TTLMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// TTL returns the remaining lifetime of key (0 when missing or unbounded)
func (m *TTLMap) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	rem := time.Until(e.expiresAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// SetTTL rewrites the expiry of an existing key. Used by the decay
// engine to shorten external-knowledge lifetimes.
func (m *TTLMap) SetTTL(key string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
}

// Keys returns all unexpired keys
func (m *TTLMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Sweep drops expired entries and returns how many were removed
func (m *TTLMap) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
