// Package semantic batch-extracts concepts and relationships from
// unconsolidated episodes. Each episode is consumed exactly once:
// status moves pending -> empty | completed | failed, and empty or
// failed batches are retried up to the attempt bound.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/types"
)

const extractionContract = `Extract durable concepts from these episodic memories. Reply with JSON only:
{
  "concepts": [{"name": "...", "definition": "...", "strength": 0.2-1.0, "decay_resistance": 0.0-1.0}],
  "relationships": [{"from": "concept name", "to": "concept name", "relation": "...", "weight": 0.0-1.0}]
}
Return empty arrays when the episodes contain nothing durable.`

// Worker runs one consolidation batch per job
type Worker struct {
	cfg      config.SemanticConfig
	provider llm.Provider
	embedder embedding.Provider
	db       *graph.DB
}

// New wires the semantic worker
func New(cfg config.SemanticConfig, provider llm.Provider, embedder embedding.Provider, db *graph.DB) *Worker {
	return &Worker{cfg: cfg, provider: provider, embedder: embedder, db: db}
}

// Handle processes one batch of unconsolidated episodes
func (w *Worker) Handle(ctx context.Context, _ *queue.Job) error {
	return w.RunBatch(ctx)
}

// RunBatch fetches up to batch_limit unconsolidated episodes and
// extracts concepts from them. Also called directly by the idle
// scheduler.
func (w *Worker) RunBatch(ctx context.Context) error {
	episodes, err := w.db.FetchUnconsolidated(w.cfg.BatchLimit, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("fetch unconsolidated: %w", err)
	}
	if len(episodes) == 0 {
		return nil
	}

	ids := make([]string, len(episodes))
	var input strings.Builder
	for i, ep := range episodes {
		ids[i] = ep.ID
		fmt.Fprintf(&input, "- [%s] %s (intent: %s, outcome: %s)\n", ep.Topic, ep.Gist, ep.Intent, ep.Outcome)
	}

	reply, err := w.provider.SendMessage(ctx, extractionContract, input.String(), llm.FormatJSON)
	if err != nil {
		w.db.MarkConsolidation(ids, types.ConsolidationFailed)
		return fmt.Errorf("extraction call: %w", err)
	}

	var parsed struct {
		Concepts []struct {
			Name            string  `json:"name"`
			Definition      string  `json:"definition"`
			Strength        float64 `json:"strength"`
			DecayResistance float64 `json:"decay_resistance"`
		} `json:"concepts"`
		Relationships []struct {
			From     string  `json:"from"`
			To       string  `json:"to"`
			Relation string  `json:"relation"`
			Weight   float64 `json:"weight"`
		} `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Text)), &parsed); err != nil {
		w.db.MarkConsolidation(ids, types.ConsolidationFailed)
		return fmt.Errorf("parse extraction: %w", err)
	}

	if len(parsed.Concepts) == 0 {
		if err := w.db.MarkConsolidation(ids, types.ConsolidationEmpty); err != nil {
			return fmt.Errorf("mark empty: %w", err)
		}
		logging.Info("semantic", "batch of %d episodes yielded no concepts", len(ids))
		return nil
	}

	conceptIDs := make(map[string]string, len(parsed.Concepts))
	for _, pc := range parsed.Concepts {
		if pc.Name == "" {
			continue
		}
		var emb []float64
		if e, err := w.embedder.Embed(ctx, pc.Name+": "+pc.Definition); err == nil {
			emb = e
		}
		stored, err := w.db.UpsertConcept(&types.Concept{
			Name:            pc.Name,
			Definition:      pc.Definition,
			Strength:        pc.Strength,
			DecayResistance: pc.DecayResistance,
			Embedding:       emb,
		})
		if err != nil {
			logging.Warn("semantic", "upsert concept %s: %v", pc.Name, err)
			continue
		}
		conceptIDs[pc.Name] = stored.ID
	}

	for _, r := range parsed.Relationships {
		fromID, okFrom := conceptIDs[r.From]
		toID, okTo := conceptIDs[r.To]
		if !okFrom {
			if c, err := w.db.GetConcept(r.From); err == nil {
				fromID, okFrom = c.ID, true
			}
		}
		if !okTo {
			if c, err := w.db.GetConcept(r.To); err == nil {
				toID, okTo = c.ID, true
			}
		}
		if !okFrom || !okTo {
			continue
		}
		if err := w.db.AddRelationship(fromID, toID, r.Relation, r.Weight); err != nil {
			logging.Warn("semantic", "relationship %s->%s: %v", r.From, r.To, err)
		}
	}

	if err := w.db.MarkConsolidation(ids, types.ConsolidationCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	logging.Info("semantic", "consolidated %d episodes into %d concepts", len(ids), len(conceptIDs))
	return nil
}
