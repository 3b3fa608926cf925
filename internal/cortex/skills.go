package cortex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/types"
)

// InnateSkills are the built-in actions the ACT loop can take without
// any external tool server
type InnateSkills struct {
	db       *graph.DB
	facts    *memory.FactStore
	world    *memory.WorldState
	embedder embedding.Provider
	lambda   float64 // episodic decay constant for retrieval freshness
}

// NewInnateSkills wires the built-in skills against the stores
func NewInnateSkills(db *graph.DB, facts *memory.FactStore, world *memory.WorldState, embedder embedding.Provider, lambda float64) *InnateSkills {
	return &InnateSkills{db: db, facts: facts, world: world, embedder: embedder, lambda: lambda}
}

// Descriptions returns name -> description for registration with the
// tool scorer and for the ACT prompt
func (s *InnateSkills) Descriptions() map[string]string {
	return map[string]string{
		"recall":        "Search long-term memory for past episodes relevant to a query.",
		"memorize":      "Save a key/value fact about the current topic for later recall.",
		"world_update":  "Update the running summary of the user's current situation.",
		"list_concepts": "List the strongest concepts currently known about the user's world.",
	}
}

// Recall searches episodic memory by query embedding and renders the
// top matches as context lines
func (s *InnateSkills) Recall(ctx context.Context, query string) (string, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed recall query: %w", err)
	}
	scored, err := s.db.SearchEpisodes(emb, 5, s.lambda)
	if err != nil {
		return "", fmt.Errorf("search episodes: %w", err)
	}
	if len(scored) == 0 {
		return "No relevant memories found.", nil
	}

	var b strings.Builder
	for _, se := range scored {
		fmt.Fprintf(&b, "- %s (%s, relevance %.2f)\n",
			se.Episode.Gist, se.Episode.CreatedAt.Format("Jan 2"), se.Score)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Memorize writes one fact to the topic's fact store
func (s *InnateSkills) Memorize(topic, key, value string, confidence float64) (string, error) {
	if key == "" || value == "" {
		return "", fmt.Errorf("memorize needs key and value")
	}
	if confidence <= 0 {
		confidence = 0.8
	}
	s.facts.Store(topic, types.Fact{
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     "act",
		CreatedAt:  time.Now(),
	})
	return fmt.Sprintf("Noted: %s = %s", key, value), nil
}

// WorldUpdate replaces the topic's world-state summary
func (s *InnateSkills) WorldUpdate(topic, summary string) (string, error) {
	if summary == "" {
		return "", fmt.Errorf("world_update needs a summary")
	}
	s.world.Set(topic, summary)
	return "World state updated.", nil
}

// ListConcepts renders the most recently active semantic concepts
func (s *InnateSkills) ListConcepts(limit int) (string, error) {
	if limit <= 0 {
		limit = 10
	}
	concepts, err := s.db.RecentConcepts(limit)
	if err != nil {
		return "", fmt.Errorf("list concepts: %w", err)
	}
	if len(concepts) == 0 {
		return "No concepts yet.", nil
	}

	var b strings.Builder
	for _, c := range concepts {
		fmt.Fprintf(&b, "- %s (strength %.2f): %s\n", c.Name, c.Strength, c.Definition)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
