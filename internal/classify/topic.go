// Package classify holds the deterministic classifiers that run on
// every message before routing: topic assignment, rule-based intent,
// and tool relevance scoring. None of them call the LLM.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
)

const (
	// Below this best-match similarity a new topic label is minted
	topicMatchThreshold = 0.55
	// Additive bias toward the thread's current topic to prevent thrash
	recentTopicBias = 0.05
)

// TopicClassifier assigns messages to topics by embedding nearest
// neighbour over the known-topic centroids
type TopicClassifier struct {
	mu       sync.Mutex
	provider embedding.Provider
	topics   map[string][]float64 // topic label -> centroid embedding
	counts   map[string]int       // messages folded into each centroid
	path     string
}

// NewTopicClassifier loads the topic centroids snapshot if present
func NewTopicClassifier(statePath string, provider embedding.Provider) *TopicClassifier {
	c := &TopicClassifier{
		provider: provider,
		topics:   make(map[string][]float64),
		counts:   make(map[string]int),
		path:     filepath.Join(statePath, "system", "topics.json"),
	}
	c.load()
	return c
}

// Classify embeds the message and returns the nearest known topic, a
// fresh label when nothing is close enough. recentTopic (may be "")
// receives a small similarity bias.
func (c *TopicClassifier) Classify(ctx context.Context, text, recentTopic string) (*types.TopicResult, error) {
	start := time.Now()

	emb, err := c.provider.Embed(ctx, text)
	if err != nil {
		// No embedding: stay on the recent topic rather than thrash
		if recentTopic != "" {
			return &types.TopicResult{Topic: recentTopic, Confidence: 0.3, ClassificationTime: time.Since(start)}, nil
		}
		return nil, fmt.Errorf("embed message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	best, bestSim := "", -1.0
	for topic, centroid := range c.topics {
		sim := textutil.Cosine(emb, centroid)
		if topic == recentTopic {
			sim += recentTopicBias
		}
		if sim > bestSim {
			best, bestSim = topic, sim
		}
	}

	if best == "" || bestSim < topicMatchThreshold {
		label := newTopicLabel(text)
		c.topics[label] = emb
		c.counts[label] = 1
		c.save()
		logging.Debug("classify", "new topic %q (best match %.2f)", label, bestSim)
		return &types.TopicResult{Topic: label, Confidence: 0.5, ClassificationTime: time.Since(start)}, nil
	}

	c.foldInto(best, emb)
	c.save()
	return &types.TopicResult{
		Topic:              best,
		Confidence:         clampUnit(bestSim),
		ClassificationTime: time.Since(start),
	}, nil
}

// foldInto moves a topic centroid toward a new member embedding by the
// running-mean weight
func (c *TopicClassifier) foldInto(topic string, emb []float64) {
	centroid := c.topics[topic]
	if len(centroid) != len(emb) {
		return
	}
	n := float64(c.counts[topic])
	for i := range centroid {
		centroid[i] = (centroid[i]*n + emb[i]) / (n + 1)
	}
	c.counts[topic]++
}

// TopicEmbedding returns the stored centroid for a topic (nil when
// unknown)
func (c *TopicClassifier) TopicEmbedding(topic string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// TopicCount returns the number of known topics
func (c *TopicClassifier) TopicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

var topicStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "my": true, "me": true,
	"is": true, "are": true, "was": true, "do": true, "does": true,
	"can": true, "you": true, "to": true, "of": true, "for": true,
	"in": true, "on": true, "it": true, "and": true, "what": true,
	"how": true, "why": true, "please": true, "about": true, "that": true,
}

// newTopicLabel builds a slug from the first few content words
func newTopicLabel(text string) string {
	var parts []string
	for _, tok := range textutil.Tokenize(text) {
		w := strings.ToLower(strings.Trim(tok, ".,!?;:\"'"))
		if w == "" || topicStopwords[w] {
			continue
		}
		parts = append(parts, w)
		if len(parts) == 3 {
			break
		}
	}
	if len(parts) == 0 {
		return "general"
	}
	return strings.Join(parts, "-")
}

type topicSnapshot struct {
	Topics map[string][]float64 `json:"topics"`
	Counts map[string]int       `json:"counts"`
}

func (c *TopicClassifier) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var snap topicSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.Warn("classify", "corrupt topic snapshot: %v", err)
		return
	}
	if snap.Topics != nil {
		c.topics = snap.Topics
	}
	if snap.Counts != nil {
		c.counts = snap.Counts
	}
}

func (c *TopicClassifier) save() {
	data, err := json.Marshal(topicSnapshot{Topics: c.topics, Counts: c.counts})
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(c.path), 0755)
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		logging.Warn("classify", "save topics: %v", err)
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
