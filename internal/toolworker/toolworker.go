// Package toolworker runs fast-path ACT work off the request path:
// same loop as the inline host, plus cancellation flags, heartbeats,
// and the follow-up re-entry message into the digest pipeline.
package toolworker

import (
	"context"
	"fmt"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/cortex"
	"github.com/chalie-ai/chalie/internal/digest"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

const (
	heartbeatInterval = 10 * time.Second
	heartbeatTTL      = 30 * time.Second
	maxDeferrals      = 3
)

// Worker executes tool-work jobs
type Worker struct {
	cfg      *config.Config
	loop     *cortex.Loop
	skills   *cortex.InnateSkills
	registry *cortex.ToolRegistry
	working  *memory.WorkingMemory
	gists    *memory.GistStore
	facts    *memory.FactStore
	world    *memory.WorldState
	flags    *memory.TTLMap
	db       *graph.DB
	queues   *queue.Runtime
}

// New wires the tool worker
func New(cfg *config.Config, loop *cortex.Loop, skills *cortex.InnateSkills, registry *cortex.ToolRegistry,
	working *memory.WorkingMemory, gists *memory.GistStore, facts *memory.FactStore,
	world *memory.WorldState, flags *memory.TTLMap, db *graph.DB, queues *queue.Runtime) *Worker {
	return &Worker{
		cfg: cfg, loop: loop, skills: skills, registry: registry,
		working: working, gists: gists, facts: facts, world: world,
		flags: flags, db: db, queues: queues,
	}
}

// Handle runs one tool-work job end to end
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var tj digest.ToolJob
	if err := job.DecodePayload(&tj); err != nil {
		return fmt.Errorf("decode tool job: %w", err)
	}

	w.db.SetCycleStatus(tj.CycleID, types.CycleProcessing)

	// Heartbeat so an upstream SSE handler can detect stalls
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	pc := cortex.PromptContext{
		Topic:      tj.Topic,
		Gists:      w.gists.Gists(tj.Topic),
		Facts:      w.facts.Formatted(tj.Topic),
		WorldState: w.world.Get(tj.Topic),
		Turns:      w.working.Turns(tj.ThreadID),
		Skills:     w.skills.Descriptions(),
	}
	if w.registry != nil {
		pc.Tools = w.registry.Manifests()
	}

	outcome := w.loop.Run(ctx, tj.CycleID, pc, func() bool {
		_, cancelled := w.flags.Get(digest.KeyCancel + tj.CycleID)
		return cancelled
	})

	if outcome.TerminationReason == cortex.TermCancelled {
		w.db.SetCycleStatus(tj.CycleID, types.CycleCancelled)
		logging.Info("toolworker", "cycle %s cancelled after %d iterations", tj.CycleID, outcome.Iterations)
		return nil
	}

	// Card results render themselves; a textual follow-up on top of
	// one reads as noise
	for _, r := range outcome.History {
		if r.IsCard {
			w.db.SetCycleStatus(tj.CycleID, types.CycleCompleted)
			logging.Info("toolworker", "cycle %s produced a card, follow-up suppressed", tj.CycleID)
			return nil
		}
	}

	actContext := cortex.RenderActHistory(outcome.History)
	if actContext == "" {
		actContext = "No actions produced results."
	}

	if deferred := w.maybeDefer(job, &tj, actContext); deferred {
		return nil
	}

	return w.enqueueFollowup(tj, actContext)
}

// maybeDefer holds the follow-up back while the user is mid-request;
// after maxDeferrals the result is downgraded to a background gist
func (w *Worker) maybeDefer(job *queue.Job, tj *digest.ToolJob, actContext string) bool {
	if w.queues.Depth(queue.QueuePrompt) == 0 {
		return false
	}
	if job.Retries >= maxDeferrals {
		w.gists.StoreGists(tj.Topic, []types.Gist{{
			ID:         uuid.NewString(),
			Content:    "Background work finished: " + logging.Truncate(actContext, 200),
			Type:       types.GistContext,
			Confidence: 5,
			CreatedAt:  time.Now(),
		}})
		w.db.SetCycleStatus(tj.CycleID, types.CycleCompleted)
		logging.Info("toolworker", "cycle %s suppressed after %d deferrals", tj.CycleID, job.Retries)
		return true
	}
	w.queues.RequeueWithBackoff(job, 16)
	logging.Debug("toolworker", "deferring follow-up for %s (attempt %d)", tj.CycleID, job.Retries+1)
	return true
}

// enqueueFollowup re-enters the digest pipeline with a tool_result
// message on the dedicated follow-up branch
func (w *Worker) enqueueFollowup(tj digest.ToolJob, actContext string) error {
	msg := types.InboundMessage{
		Text:      tj.Text,
		Source:    types.SourceText,
		RequestID: uuid.NewString(),
		Type:      types.MessageToolResult,
		Meta: map[string]any{
			"cycle_id":        tj.CycleID,
			"topic":           tj.Topic,
			"thread_id":       tj.ThreadID,
			"act_context":     actContext,
			"topic_embedding": tj.Embedding,
		},
	}
	if _, err := w.queues.EnqueuePayload(queue.QueuePrompt, msg); err != nil {
		w.db.SetCycleStatus(tj.CycleID, types.CycleFailed)
		return fmt.Errorf("enqueue follow-up: %w", err)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	key := "heartbeat:" + jobID
	w.flags.Set(key, time.Now(), heartbeatTTL)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flags.Delete(key)
			return
		case <-ticker.C:
			w.flags.Set(key, time.Now(), heartbeatTTL)
		}
	}
}
