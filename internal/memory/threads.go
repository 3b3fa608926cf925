package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// ErrChunkAlreadySet signals a second memory-chunk write on the same
// exchange; the row is left unchanged.
var ErrChunkAlreadySet = errors.New("memory chunk already set")

// ThreadStore owns threads and their pending conversation lists (the
// exchanges waiting for episodic consolidation).
type ThreadStore struct {
	mu        sync.Mutex
	threads   map[string]*types.Thread
	exchanges map[string][]*types.Exchange // thread ID -> conversation list
	path      string
}

// NewThreadStore creates a thread store
func NewThreadStore(path string) *ThreadStore {
	return &ThreadStore{
		threads:   make(map[string]*types.Thread),
		exchanges: make(map[string][]*types.Exchange),
		path:      path,
	}
}

// SelectOrCreate returns the active thread for (user, channel,
// platform), creating one when none is active. Only one thread per
// channel may be active at a time.
func (s *ThreadStore) SelectOrCreate(user, channel, platform string) *types.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		if t.User == user && t.Channel == channel && t.Platform == platform && t.State == types.ThreadActive {
			return t
		}
	}

	t := &types.Thread{
		ID:           uuid.NewString(),
		User:         user,
		Channel:      channel,
		Platform:     platform,
		State:        types.ThreadActive,
		LastActivity: time.Now(),
	}
	s.threads[t.ID] = t
	return t
}

// Get returns a thread by ID
func (s *ThreadStore) Get(threadID string) (*types.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	return t, ok
}

// Touch updates last activity and, when the topic changed, records it
// in the topic history
func (s *ThreadStore) Touch(threadID, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return
	}
	t.LastActivity = time.Now()
	if topic != "" && t.CurrentTopic != topic {
		t.CurrentTopic = topic
		t.TopicHistory = append(t.TopicHistory, topic)
	}
}

// AppendExchange adds an exchange to the thread's conversation list
func (s *ThreadStore) AppendExchange(ex *types.Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	s.exchanges[ex.ThreadID] = append(s.exchanges[ex.ThreadID], ex)
	if t, ok := s.threads[ex.ThreadID]; ok {
		t.ExchangeCount++
		t.LastActivity = time.Now()
	}
}

// Exchange returns one exchange by ID
func (s *ThreadStore) Exchange(exchangeID string) (*types.Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.exchanges {
		for _, ex := range list {
			if ex.ID == exchangeID {
				return ex, true
			}
		}
	}
	return nil, false
}

// SetResponse fills the assistant half of an exchange
func (s *ThreadStore) SetResponse(exchangeID, responseText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.exchanges {
		for _, ex := range list {
			if ex.ID == exchangeID {
				ex.ResponseText = responseText
				return nil
			}
		}
	}
	return fmt.Errorf("exchange %s not found", exchangeID)
}

// SetMemoryChunk attaches the chunker's extraction to an exchange.
// At most one chunk per exchange: a second write returns
// ErrChunkAlreadySet and leaves the row unchanged.
func (s *ThreadStore) SetMemoryChunk(exchangeID string, chunk *types.MemoryChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.exchanges {
		for _, ex := range list {
			if ex.ID == exchangeID {
				if ex.MemoryChunk != nil {
					return ErrChunkAlreadySet
				}
				ex.MemoryChunk = chunk
				return nil
			}
		}
	}
	return fmt.Errorf("exchange %s not found", exchangeID)
}

// EnrichedExchanges returns the thread's exchanges that carry a
// memory chunk, oldest first
func (s *ThreadStore) EnrichedExchanges(threadID string) []*types.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Exchange
	for _, ex := range s.exchanges[threadID] {
		if ex.MemoryChunk != nil {
			out = append(out, ex)
		}
	}
	return out
}

// ConsumeExchanges removes exactly the given exchange IDs from the
// thread's conversation list, atomically. Returns the removed rows.
func (s *ThreadStore) ConsumeExchanges(threadID string, ids []string) []*types.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var consumed []*types.Exchange
	var remaining []*types.Exchange
	for _, ex := range s.exchanges[threadID] {
		if idSet[ex.ID] {
			consumed = append(consumed, ex)
		} else {
			remaining = append(remaining, ex)
		}
	}
	s.exchanges[threadID] = remaining
	return consumed
}

// Expire marks a thread expired and returns whether it was active
func (s *ThreadStore) Expire(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || t.State != types.ThreadActive {
		return false
	}
	t.State = types.ThreadExpired
	return true
}

// IdleActiveThreads returns active threads whose last activity is
// older than cutoff
func (s *ThreadStore) IdleActiveThreads(cutoff time.Time) []*types.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Thread
	for _, t := range s.threads {
		if t.State == types.ThreadActive && t.LastActivity.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount returns the number of active threads
func (s *ThreadStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.threads {
		if t.State == types.ThreadActive {
			n++
		}
	}
	return n
}

// Load reads the snapshot from disk
func (s *ThreadStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Threads   map[string]*types.Thread     `json:"threads"`
		Exchanges map[string][]*types.Exchange `json:"exchanges"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Threads != nil {
		s.threads = file.Threads
	}
	if file.Exchanges != nil {
		s.exchanges = file.Exchanges
	}
	return nil
}

// Save writes the snapshot to disk
func (s *ThreadStore) Save() error {
	s.mu.Lock()
	file := struct {
		Threads   map[string]*types.Thread     `json:"threads"`
		Exchanges map[string][]*types.Exchange `json:"exchanges"`
	}{Threads: s.threads, Exchanges: s.exchanges}
	data, err := json.MarshalIndent(file, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
