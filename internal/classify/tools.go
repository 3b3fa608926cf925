package classify

import (
	"context"
	"sort"
	"sync"

	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
)

// ScoredTool pairs a manifest with whether it is an innate skill
type scoredTool struct {
	name        string
	description string
	innate      bool
	embedding   []float64
}

// ToolScorer ranks tools and innate skills against a message by
// description-embedding similarity
type ToolScorer struct {
	mu       sync.Mutex
	provider embedding.Provider
	tools    []*scoredTool
}

// NewToolScorer builds an empty scorer; register skills and manifests
// before first use
func NewToolScorer(provider embedding.Provider) *ToolScorer {
	return &ToolScorer{provider: provider}
}

// RegisterSkill adds an innate skill description
func (s *ToolScorer) RegisterSkill(ctx context.Context, name, description string) {
	s.register(ctx, name, description, true)
}

// RegisterTool adds an external tool manifest
func (s *ToolScorer) RegisterTool(ctx context.Context, m types.ToolManifest) {
	s.register(ctx, m.Name, m.Description, false)
}

func (s *ToolScorer) register(ctx context.Context, name, description string, innate bool) {
	emb, err := s.provider.Embed(ctx, name+": "+description)
	if err != nil {
		logging.Warn("classify", "embed tool %s: %v - keyword fallback only", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.name == name {
			t.description = description
			t.embedding = emb
			return
		}
	}
	s.tools = append(s.tools, &scoredTool{name: name, description: description, innate: innate, embedding: emb})
}

// Score returns the top-K tools by relevance to the message, highest
// first. Embedding cosine when both sides have embeddings, word-level
// Jaccard otherwise.
func (s *ToolScorer) Score(ctx context.Context, text string, topK int) []types.ToolScore {
	var msgEmb []float64
	if emb, err := s.provider.Embed(ctx, text); err == nil {
		msgEmb = emb
	}
	msgWords := textutil.WordSet(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	scores := make([]types.ToolScore, 0, len(s.tools))
	for _, t := range s.tools {
		var relevance float64
		if len(msgEmb) > 0 && len(t.embedding) > 0 {
			relevance = textutil.Cosine(msgEmb, t.embedding)
		} else {
			relevance = textutil.JaccardSets(msgWords, textutil.WordSet(t.description))
		}
		if relevance < 0 {
			relevance = 0
		}
		scores = append(scores, types.ToolScore{Name: t.name, Innate: t.innate, Relevance: relevance})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Relevance != scores[j].Relevance {
			return scores[i].Relevance > scores[j].Relevance
		}
		return scores[i].Name < scores[j].Name
	})
	if topK > 0 && len(scores) > topK {
		scores = scores[:topK]
	}
	return scores
}

// MaxRelevance returns the highest relevance in a score slice (0 when
// empty)
func MaxRelevance(scores []types.ToolScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	return scores[0].Relevance
}

// TopIsInnate reports whether the best-scoring entry is an innate skill
func TopIsInnate(scores []types.ToolScore) bool {
	return len(scores) > 0 && scores[0].Innate
}
