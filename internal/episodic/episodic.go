// Package episodic consolidates a thread's chunked exchanges into
// durable episodes: one LLM call distills a batch of enriched
// exchanges into a single episode record, which is then embedded and
// written to the graph.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

const consolidationContract = `Distill this conversation segment into one episodic memory. Reply with JSON only:
{
  "intent": "what the user was trying to do",
  "context": "the situation around it",
  "action": "what was done",
  "emotion": "the emotional tone",
  "outcome": "how it ended",
  "gist": "one-sentence summary",
  "salience": 1-10,
  "durability": "stable|evolving|transient",
  "open_loops": ["unresolved items"]
}`

const maxRequeueSeconds = 60

// Job is the episodic worker's payload
type Job struct {
	ThreadID string `json:"thread_id"`
	Topic    string `json:"topic"`
}

// Worker consolidates enriched exchanges into episodes
type Worker struct {
	cfg      config.EpisodicConfig
	provider llm.Provider
	embedder embedding.Provider
	threads  *memory.ThreadStore
	db       *graph.DB
	queues   *queue.Runtime
}

// New wires the episodic worker
func New(cfg config.EpisodicConfig, provider llm.Provider, embedder embedding.Provider,
	threads *memory.ThreadStore, db *graph.DB, queues *queue.Runtime) *Worker {
	return &Worker{cfg: cfg, provider: provider, embedder: embedder, threads: threads, db: db, queues: queues}
}

// Handle decides readiness and consolidates. A thread is ready when
// it has batch_size enriched exchanges, or at least one and no
// activity for the inactivity window. Not-ready jobs are requeued
// with exponential backoff.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var payload Job
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("decode episodic job: %w", err)
	}

	enriched := w.threads.EnrichedExchanges(payload.ThreadID)
	if len(enriched) == 0 {
		return nil
	}

	ready := len(enriched) >= w.cfg.BatchSize
	if !ready {
		if thread, ok := w.threads.Get(payload.ThreadID); ok {
			ready = time.Since(thread.LastActivity) >= w.cfg.InactivityTrigger
		}
	}
	if !ready {
		if job.Retries < 8 {
			w.queues.RequeueWithBackoff(job, maxRequeueSeconds)
		}
		return nil
	}

	batch := enriched
	if len(batch) > w.cfg.BatchSize {
		batch = batch[:w.cfg.BatchSize]
	}
	return w.consolidate(ctx, payload, batch)
}

// ConsolidateNow forces consolidation of everything enriched on a
// thread, used by the thread-expiry scheduler
func (w *Worker) ConsolidateNow(ctx context.Context, threadID, topic string) error {
	enriched := w.threads.EnrichedExchanges(threadID)
	if len(enriched) == 0 {
		return nil
	}
	return w.consolidate(ctx, Job{ThreadID: threadID, Topic: topic}, enriched)
}

func (w *Worker) consolidate(ctx context.Context, payload Job, batch []*types.Exchange) error {
	var input strings.Builder
	fmt.Fprintf(&input, "Topic: %s\n\n", payload.Topic)
	for _, ex := range batch {
		fmt.Fprintf(&input, "User: %s\nAssistant: %s\n", ex.PromptText, ex.ResponseText)
		if ex.MemoryChunk != nil {
			for _, g := range ex.MemoryChunk.Gists {
				fmt.Fprintf(&input, "  (noted: %s)\n", g.Content)
			}
		}
	}

	reply, err := w.provider.SendMessage(ctx, consolidationContract, input.String(), llm.FormatJSON)
	if err != nil {
		return fmt.Errorf("consolidation call: %w", err)
	}

	var parsed struct {
		Intent     string   `json:"intent"`
		Context    string   `json:"context"`
		Action     string   `json:"action"`
		Emotion    string   `json:"emotion"`
		Outcome    string   `json:"outcome"`
		Gist       string   `json:"gist"`
		Salience   float64  `json:"salience"`
		Durability string   `json:"durability"`
		OpenLoops  []string `json:"open_loops"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Text)), &parsed); err != nil {
		return fmt.Errorf("parse consolidation: %w", err)
	}
	if parsed.Gist == "" {
		return fmt.Errorf("consolidation produced no gist")
	}

	var emb []float64
	if e, err := w.embedder.Embed(ctx, parsed.Gist); err == nil {
		emb = e
	} else {
		logging.Warn("episodic", "embed gist: %v", err)
	}

	durability := types.Durability(parsed.Durability)
	switch durability {
	case types.DurabilityStable, types.DurabilityEvolving, types.DurabilityTransient, types.DurabilityCronTool:
	default:
		durability = types.DurabilityStable
	}

	episode := &types.Episode{
		ID:         uuid.NewString(),
		Intent:     parsed.Intent,
		Context:    parsed.Context,
		Action:     parsed.Action,
		Emotion:    parsed.Emotion,
		Outcome:    parsed.Outcome,
		Gist:       parsed.Gist,
		Salience:   parsed.Salience / 10, // stored normalized, clamped on write
		Embedding:  emb,
		Topic:      payload.Topic,
		ExchangeID: batch[0].ID,
		Source:     "conversation",
		Durability: durability,
		OpenLoops:  parsed.OpenLoops,
	}
	if err := w.db.AddEpisode(episode); err != nil {
		return fmt.Errorf("add episode: %w", err)
	}

	// Consumed exchanges leave the thread exactly once
	ids := make([]string, len(batch))
	for i, ex := range batch {
		ids[i] = ex.ID
	}
	consumed := w.threads.ConsumeExchanges(payload.ThreadID, ids)
	logging.Info("episodic", "episode %s from %d exchanges on %s (salience %.2f)",
		episode.ID, len(consumed), payload.Topic, episode.Salience)
	return nil
}
