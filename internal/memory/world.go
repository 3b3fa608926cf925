package memory

import (
	"sync"
	"time"
)

type worldEntry struct {
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WorldState holds a per-topic free-text world summary. It feeds the
// third context-warmth sub-score and the chunker's extraction input.
type WorldState struct {
	mu      sync.Mutex
	entries map[string]worldEntry
	ttl     time.Duration
}

// NewWorldState creates a world state store
func NewWorldState(ttl time.Duration) *WorldState {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &WorldState{
		entries: make(map[string]worldEntry),
		ttl:     ttl,
	}
}

// Set writes the summary for a topic
func (w *WorldState) Set(topic, summary string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.entries[topic] = worldEntry{
		Summary:   summary,
		UpdatedAt: now,
		ExpiresAt: now.Add(w.ttl),
	}
}

// Get returns the summary for a topic, or "" when missing/expired
func (w *WorldState) Get(topic string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[topic]
	if !ok {
		return ""
	}
	if time.Now().After(e.ExpiresAt) {
		delete(w.entries, topic)
		return ""
	}
	return e.Summary
}

// Sweep drops expired entries
func (w *WorldState) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	removed := 0
	for topic, e := range w.entries {
		if now.After(e.ExpiresAt) {
			delete(w.entries, topic)
			removed++
		}
	}
	return removed
}
