package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

const thoughtContract = `You are musing idly about what you know of the user's world.
Given a seed concept and its neighbourhood, produce one short thought.
Reply with JSON only:
{"content": "the thought, one or two sentences", "type": "reflection|question|hypothesis|insight|event"}`

// synthesize spreads activation over the recent concept neighbourhood,
// samples a seed weighted by the spread, and asks the model for one
// thought about it
func (e *Engine) synthesize(ctx context.Context) (*types.Thought, error) {
	concepts, err := e.db.RecentConcepts(10)
	if err != nil {
		return nil, fmt.Errorf("recent concepts: %w", err)
	}
	if len(concepts) == 0 {
		return nil, nil
	}

	// Spread: each concept's energy is its own strength plus a share
	// of its neighbours' edge weights
	energies := make([]float64, len(concepts))
	var total float64
	for i, c := range concepts {
		energy := c.Strength
		if neighbors, err := e.db.Neighbors(c.ID); err == nil {
			for _, w := range neighbors {
				energy += 0.3 * w
			}
		}
		energies[i] = energy
		total += energy
	}

	// Weighted sample
	r := rand.Float64() * total
	seedIdx := 0
	for i, energy := range energies {
		r -= energy
		if r <= 0 {
			seedIdx = i
			break
		}
	}
	seed := concepts[seedIdx]

	var input strings.Builder
	fmt.Fprintf(&input, "Seed concept: %s - %s\n", seed.Name, seed.Definition)
	if neighbors, err := e.db.Neighbors(seed.ID); err == nil && len(neighbors) > 0 {
		input.WriteString("Related concepts:\n")
		for id := range neighbors {
			for _, c := range concepts {
				if c.ID == id {
					fmt.Fprintf(&input, "- %s: %s\n", c.Name, c.Definition)
				}
			}
		}
	}

	reply, err := e.provider.SendMessage(ctx, thoughtContract, input.String(), llm.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("thought call: %w", err)
	}

	var parsed struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("parse thought: %w", err)
	}
	if parsed.Content == "" {
		return nil, nil
	}

	thoughtType := types.ThoughtType(parsed.Type)
	switch thoughtType {
	case types.ThoughtReflection, types.ThoughtQuestion, types.ThoughtHypothesis,
		types.ThoughtInsight, types.ThoughtEvent:
	default:
		thoughtType = types.ThoughtReflection
	}

	activation := energies[seedIdx] / (1 + energies[seedIdx]) // squash to [0,1)
	thought := &types.Thought{
		Content:          parsed.Content,
		Type:             thoughtType,
		ActivationEnergy: activation,
		SeedConcept:      seed.Name,
		SeedTopic:        seed.Name,
	}
	if emb, err := e.embedder.Embed(ctx, parsed.Content); err == nil {
		thought.Embedding = emb
	} else {
		logging.Debug("drift", "embed thought: %v", err)
	}
	return thought, nil
}
