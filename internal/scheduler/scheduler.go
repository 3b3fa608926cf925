// Package scheduler holds the two background triggers: idle
// consolidation (run semantic extraction when the system is quiet and
// enough episodes have piled up) and thread expiry (age out idle
// threads, forcing their episodes out first).
package scheduler

import (
	"context"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/episodic"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/queue"
)

const (
	idleCheckInterval   = 5 * time.Minute
	expiryCheckInterval = 15 * time.Minute
	curiosityExpiry     = 7 * 24 * time.Hour
)

// IdleConsolidation triggers the semantic worker when all queues are
// drained and enough unconsolidated episodes exist
type IdleConsolidation struct {
	cfg    config.SemanticConfig
	queues *queue.Runtime
	db     *graph.DB
}

// NewIdleConsolidation wires the idle scheduler
func NewIdleConsolidation(cfg config.SemanticConfig, queues *queue.Runtime, db *graph.DB) *IdleConsolidation {
	return &IdleConsolidation{cfg: cfg, queues: queues, db: db}
}

// Start checks periodically until the context is cancelled
func (s *IdleConsolidation) Start(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check enqueues one semantic batch when the trigger conditions hold
func (s *IdleConsolidation) Check() {
	if !s.queues.AllDrained() {
		return
	}
	count, err := s.db.CountUnconsolidated(s.cfg.MaxRetries)
	if err != nil {
		logging.Warn("scheduler", "count unconsolidated: %v", err)
		return
	}
	if count < s.cfg.MinEpisodes {
		return
	}
	if _, err := s.queues.EnqueuePayload(queue.QueueSemantic, map[string]int{"pending": count}); err != nil {
		logging.Warn("scheduler", "enqueue semantic batch: %v", err)
		return
	}
	logging.Info("scheduler", "idle consolidation: %d episodes pending", count)
}

// ThreadExpiry ages out idle threads. Before a thread expires, its
// remaining enriched exchanges are forced into an episode so nothing
// is lost.
type ThreadExpiry struct {
	cfg      config.EpisodicConfig
	threads  *memory.ThreadStore
	working  *memory.WorkingMemory
	episodes *episodic.Worker
	db       *graph.DB
}

// NewThreadExpiry wires the expiry scheduler
func NewThreadExpiry(cfg config.EpisodicConfig, threads *memory.ThreadStore,
	working *memory.WorkingMemory, episodes *episodic.Worker, db *graph.DB) *ThreadExpiry {
	return &ThreadExpiry{cfg: cfg, threads: threads, working: working, episodes: episodes, db: db}
}

// Start checks periodically until the context is cancelled
func (s *ThreadExpiry) Start(ctx context.Context) {
	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check expires threads idle past the expiry window
func (s *ThreadExpiry) Check(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ThreadExpiry)
	for _, thread := range s.threads.IdleActiveThreads(cutoff) {
		if err := s.episodes.ConsolidateNow(ctx, thread.ID, thread.CurrentTopic); err != nil {
			logging.Warn("scheduler", "final consolidation for %s: %v", thread.ID, err)
		}
		if s.threads.Expire(thread.ID) {
			s.working.Clear(thread.ID)
			logging.Info("scheduler", "expired thread %s (%s)", thread.ID, thread.CurrentTopic)
		}
	}

	if n, err := s.db.ExpireCuriosityThreads(time.Now().Add(-curiosityExpiry)); err != nil {
		logging.Warn("scheduler", "expire curiosity threads: %v", err)
	} else if n > 0 {
		logging.Info("scheduler", "expired %d curiosity threads", n)
	}
}
