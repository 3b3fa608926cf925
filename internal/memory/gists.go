package memory

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// GistStoreConfig are the write-policy knobs
type GistStoreConfig struct {
	MaxGists         int
	MaxPerType       int
	JaccardThreshold float64
	MinConfidence    float64 // 0-10 scale
	TTL              time.Duration
}

type topicGists struct {
	Gists         []types.Gist `json:"gists"`
	LastExchange  string       `json:"last_exchange"`
	ColdStartDone bool         `json:"cold_start_done"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// GistStore holds short conversational gists per topic with dedup,
// per-type caps, and TTL refreshed on every read.
type GistStore struct {
	mu     sync.Mutex
	topics map[string]*topicGists
	cfg    GistStoreConfig
	path   string
}

// NewGistStore creates a gist store
func NewGistStore(path string, cfg GistStoreConfig) *GistStore {
	if cfg.MaxGists <= 0 {
		cfg.MaxGists = 8
	}
	if cfg.MaxPerType <= 0 {
		cfg.MaxPerType = 2
	}
	if cfg.JaccardThreshold <= 0 {
		cfg.JaccardThreshold = 0.7
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 6 * time.Hour
	}
	return &GistStore{
		topics: make(map[string]*topicGists),
		cfg:    cfg,
		path:   path,
	}
}

func (s *GistStore) topic(name string) *topicGists {
	t, ok := s.topics[name]
	if !ok || (!t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)) {
		t = &topicGists{}
		s.topics[name] = t
	}
	return t
}

// StoreGists applies the batch write policy: confidence floor, Jaccard
// dedup (higher confidence wins), then per-type and per-topic caps.
func (s *GistStore) StoreGists(topicName string, batch []types.Gist) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicName)

	for _, g := range batch {
		// Confidence floor: waived when the topic is empty so the
		// first observation always lands
		if g.Confidence < s.cfg.MinConfidence && len(t.Gists) > 0 {
			continue
		}

		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		if g.CreatedAt.IsZero() {
			g.CreatedAt = time.Now()
		}

		incoming := textutil.WordSet(g.Content)
		bestIdx := -1
		bestSim := 0.0
		for i := range t.Gists {
			sim := textutil.JaccardSets(incoming, textutil.WordSet(t.Gists[i].Content))
			if sim >= s.cfg.JaccardThreshold && sim > bestSim {
				bestSim = sim
				bestIdx = i
			}
		}

		if bestIdx >= 0 {
			if g.Confidence > t.Gists[bestIdx].Confidence {
				t.Gists[bestIdx] = g
			}
			continue
		}

		t.Gists = append(t.Gists, g)
	}

	t.Gists = s.applyCaps(t.Gists)
	t.ExpiresAt = time.Now().Add(s.cfg.TTL)
}

// applyCaps enforces the per-type top-N-by-confidence cap and the
// per-topic newest-max_gists cap. Cold-start gists ride along like
// any other type.
func (s *GistStore) applyCaps(gists []types.Gist) []types.Gist {
	byType := make(map[types.GistType][]types.Gist)
	for _, g := range gists {
		byType[g.Type] = append(byType[g.Type], g)
	}

	var kept []types.Gist
	for _, group := range byType {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})
		if len(group) > s.cfg.MaxPerType {
			group = group[:s.cfg.MaxPerType]
		}
		kept = append(kept, group...)
	}

	// Per-topic cap: newest wins
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.After(kept[j].CreatedAt)
	})
	if len(kept) > s.cfg.MaxGists {
		kept = kept[:s.cfg.MaxGists]
	}

	// Restore oldest-first order for prompt assembly
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	return kept
}

// Gists returns a topic's gists and refreshes its TTL
func (s *GistStore) Gists(topicName string) []types.Gist {
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
	t.ExpiresAt = time.Now().Add(s.cfg.TTL)

	out := make([]types.Gist, len(t.Gists))
	copy(out, t.Gists)
	return out
}

// RealCount counts non-cold-start gists (the warmth input)
func (s *GistStore) RealCount(topicName string) int {
	count := 0
	for _, g := range s.Gists(topicName) {
		if g.IsReal() {
			count++
		}
	}
	return count
}

// InjectColdStart writes the fixed identity/capability boosters, once
// per topic, and only when the topic holds no gists at all
func (s *GistStore) InjectColdStart(topicName string, boosters []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicName)
	if t.ColdStartDone || len(t.Gists) > 0 {
		return false
	}

	now := time.Now()
	for _, content := range boosters {
		t.Gists = append(t.Gists, types.Gist{
			ID:         uuid.NewString(),
			Content:    content,
			Type:       types.GistColdStart,
			Confidence: 10,
			CreatedAt:  now,
		})
	}
	t.ColdStartDone = true
	t.ExpiresAt = now.Add(s.cfg.TTL)
	return true
}

// SetLastExchange maintains the per-topic fallback record
func (s *GistStore) SetLastExchange(topicName, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.topic(topicName)
	t.LastExchange = content
	t.ExpiresAt = time.Now().Add(s.cfg.TTL)
}

// LastExchange returns the fallback record for a topic
func (s *GistStore) LastExchange(topicName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[topicName]
	if !ok {
		return ""
	}
	return t.LastExchange
}

// Sweep drops expired topics, returns how many were removed
func (s *GistStore) Sweep() int {
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
func (s *GistStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	topics := make(map[string]*topicGists)
	if err := json.Unmarshal(data, &topics); err != nil {
		return err
	}
	s.topics = topics
	return nil
}

// Save writes the snapshot to disk
func (s *GistStore) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.topics, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
