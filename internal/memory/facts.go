package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

type topicFacts struct {
	Facts     map[string]types.Fact `json:"facts"` // key -> fact
	Order     []string              `json:"order"` // insertion-ordered keys
	ExpiresAt time.Time             `json:"expires_at"`
}

// FactStore is the per-topic key/value fact store
type FactStore struct {
	mu     sync.Mutex
	topics map[string]*topicFacts
	ttl    time.Duration
	path   string
}

// NewFactStore creates a fact store
func NewFactStore(path string, ttl time.Duration) *FactStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FactStore{
		topics: make(map[string]*topicFacts),
		ttl:    ttl,
		path:   path,
	}
}

func (s *FactStore) topic(name string) *topicFacts {
	t, ok := s.topics[name]
	if !ok || (!t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)) {
		t = &topicFacts{Facts: make(map[string]types.Fact)}
		s.topics[name] = t
	}
	return t
}

// Store writes a fact; an existing key is overwritten in place
func (s *FactStore) Store(topicName string, fact types.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicName)
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	if _, exists := t.Facts[fact.Key]; !exists {
		t.Order = append(t.Order, fact.Key)
	}
	t.Facts[fact.Key] = fact
	t.ExpiresAt = time.Now().Add(s.ttl)
}

// Get returns one fact by key
func (s *FactStore) Get(topicName, key string) (types.Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[topicName]
	if !ok {
		return types.Fact{}, false
	}
	f, ok := t.Facts[key]
	return f, ok
}

// Facts returns a topic's facts in insertion order
func (s *FactStore) Facts(topicName string) []types.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[topicName]
	if !ok {
		return nil
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		delete(s.topics, topicName)
		return nil
	}

	out := make([]types.Fact, 0, len(t.Order))
	for _, key := range t.Order {
		if f, ok := t.Facts[key]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of facts on a topic
func (s *FactStore) Count(topicName string) int {
	return len(s.Facts(topicName))
}

// Formatted returns the "K: V (confidence)" projection used in prompt
// assembly, one fact per line
func (s *FactStore) Formatted(topicName string) string {
	facts := s.Facts(topicName)
	if len(facts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("%s: %s (%.2f)", f.Key, f.Value, f.Confidence))
	}
	return strings.Join(lines, "\n")
}

// ShortenTTL divides a topic's remaining TTL by factor, with a floor.
// Used by the decay engine for external-knowledge topics.
func (s *FactStore) ShortenTTL(topicName string, factor float64, floor time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[topicName]
	if !ok || t.ExpiresAt.IsZero() || factor <= 1 {
		return
	}
	remaining := time.Until(t.ExpiresAt)
	if remaining <= 0 {
		return
	}
	shortened := time.Duration(float64(remaining) / factor)
	if shortened < floor {
		shortened = floor
	}
	t.ExpiresAt = time.Now().Add(shortened)
}

// ExternalTopics returns topics where every fact is externally sourced
func (s *FactStore) ExternalTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for name, t := range s.topics {
		if len(t.Facts) == 0 {
			continue
		}
		external := true
		for _, f := range t.Facts {
			if !strings.HasPrefix(f.Source, "external") && f.Source != "tool" {
				external = false
				break
			}
		}
		if external {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired topics
func (s *FactStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for name, t := range s.topics {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			delete(s.topics, name)
			removed++
		}
	}
	return removed
}

// Load reads the snapshot from disk
func (s *FactStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	topics := make(map[string]*topicFacts)
	if err := json.Unmarshal(data, &topics); err != nil {
		return err
	}
	s.topics = topics
	return nil
}

// Save writes the snapshot to disk
func (s *FactStore) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.topics, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
