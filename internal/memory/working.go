// Package memory holds the ephemeral stores of the lattice: working
// memory, gists, facts, threads, and world state. All are
// mutex-guarded pools with JSON snapshot persistence.
package memory

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

// WorkingMemory keeps the last maxTurns turns per thread as a strict
// FIFO. Reads return oldest-first.
type WorkingMemory struct {
	mu       sync.RWMutex
	turns    map[string][]types.Turn // thread ID -> ring
	maxTurns int
	path     string
}

// NewWorkingMemory creates a working memory bound to a snapshot path
func NewWorkingMemory(path string, maxTurns int) *WorkingMemory {
	if maxTurns <= 0 {
		maxTurns = 12
	}
	return &WorkingMemory{
		turns:    make(map[string][]types.Turn),
		maxTurns: maxTurns,
		path:     path,
	}
}

// Append adds a turn, evicting the oldest when the ring is full
func (w *WorkingMemory) Append(threadID string, role types.Role, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ring := append(w.turns[threadID], types.Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if len(ring) > w.maxTurns {
		ring = ring[len(ring)-w.maxTurns:]
	}
	w.turns[threadID] = ring
}

// Turns returns all turns for a thread, oldest first
func (w *WorkingMemory) Turns(threadID string) []types.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ring := w.turns[threadID]
	out := make([]types.Turn, len(ring))
	copy(out, ring)
	return out
}

// Fill returns how full the ring is, in [0,1]
func (w *WorkingMemory) Fill(threadID string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return float64(len(w.turns[threadID])) / float64(w.maxTurns)
}

// LastUserTurns returns up to n most recent user turns, newest first.
// Feeds the cognitive-load signal (declining reply length).
func (w *WorkingMemory) LastUserTurns(threadID string, n int) []types.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []types.Turn
	ring := w.turns[threadID]
	for i := len(ring) - 1; i >= 0 && len(out) < n; i-- {
		if ring[i].Role == types.RoleUser {
			out = append(out, ring[i])
		}
	}
	return out
}

// AllTurns flattens every thread's ring into one slice. Feeds the
// proactive novelty check.
func (w *WorkingMemory) AllTurns() []types.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []types.Turn
	for _, ring := range w.turns {
		out = append(out, ring...)
	}
	return out
}

// Clear drops a thread's turns (thread expiry)
func (w *WorkingMemory) Clear(threadID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.turns, threadID)
}

// Load reads the snapshot from disk
func (w *WorkingMemory) Load() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Turns map[string][]types.Turn `json:"turns"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Turns != nil {
		w.turns = file.Turns
	}
	return nil
}

// Save writes the snapshot to disk
func (w *WorkingMemory) Save() error {
	w.mu.RLock()
	file := struct {
		Turns map[string][]types.Turn `json:"turns"`
	}{Turns: w.turns}
	data, err := json.MarshalIndent(file, "", "  ")
	w.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(w.path, data, 0644)
}
