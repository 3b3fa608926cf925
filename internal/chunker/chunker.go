// Package chunker turns each exchange half into durable memory: one
// structured-JSON LLM call extracts gists, facts, traits,
// communication style, and emotion, plus two regex side effects that
// need no model at all.
package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
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

const extractionContract = `Extract memory from this exchange. Reply with JSON only:
{
  "gists": [{"content": "...", "type": "fact|intent|preference|emotion|context|reflection", "confidence": 0-10}],
  "facts": [{"key": "...", "value": "...", "confidence": 0.0-1.0}],
  "user_traits": [{"key": "...", "value": "...", "category": "core|preference|physical|relationship|general", "confidence": 0.0-1.0, "source": "explicit|inferred", "is_literal": true|false}],
  "communication_style": {"formality": 0.5, "verbosity": 0.5, "warmth": 0.5, "humor": 0.5, "directness": 0.5, "emoji_use": 0.5, "technical_depth": 0.5, "politeness": 0.5, "enthusiasm": 0.5},
  "emotion": {"user": {"joy": 0, "surprise": 0, "anger": 0, "disgust": 0}, "assistant": {"joy": 0, "surprise": 0, "anger": 0, "disgust": 0}, "scope": {"intent": "...", "confidence": 0.0, "emotion": "..."}}
}
Every field is optional; omit what the exchange doesn't support.`

// commStyleDimensions are the nine tracked style axes
var commStyleDimensions = []string{
	"formality", "verbosity", "warmth", "humor", "directness",
	"emoji_use", "technical_depth", "politeness", "enthusiasm",
}

var microPreferences = []struct {
	pattern *regexp.Regexp
	key     string
	value   string
}{
	{regexp.MustCompile(`(?i)\b(bullet points?|as a list|in list form)\b`), "prefers_lists", "true"},
	{regexp.MustCompile(`(?i)\b(keep it short|be brief|shorter|tl;?dr)\b`), "prefers_brevity", "true"},
	{regexp.MustCompile(`(?i)\b(more detail|elaborate|go deeper|in depth)\b`), "prefers_depth", "true"},
	{regexp.MustCompile(`(?i)\b(push back|challenge me|play devil'?s advocate)\b`), "prefers_challenge", "true"},
}

var challengeIndicators = []string{
	"have you considered", "i'd push back", "counterpoint",
	"devil's advocate", "i disagree", "are you sure",
}

const microPreferenceConfidence = 0.7

// Reinforcer receives per-vector emotion/reward signals
type Reinforcer interface {
	Reinforce(name string, emotion, reward float64) error
}

// RewardSource reads the cached behaviour-reward for a topic
type RewardSource interface {
	Get(key string) (any, bool)
}

// Worker processes memory-chunker jobs
type Worker struct {
	cfg      config.ChunkerConfig
	provider llm.Provider
	embedder embedding.Provider
	gists    *memory.GistStore
	facts    *memory.FactStore
	threads  *memory.ThreadStore
	world    *memory.WorldState
	db       *graph.DB
	identity Reinforcer
	rewards  RewardSource
	queues   *queue.Runtime
}

// New wires the chunker worker
func New(cfg config.ChunkerConfig, provider llm.Provider, embedder embedding.Provider,
	gists *memory.GistStore, facts *memory.FactStore, threads *memory.ThreadStore,
	world *memory.WorldState, db *graph.DB, identity Reinforcer,
	rewards RewardSource, queues *queue.Runtime) *Worker {
	return &Worker{
		cfg: cfg, provider: provider, embedder: embedder, gists: gists,
		facts: facts, threads: threads, world: world, db: db,
		identity: identity, rewards: rewards, queues: queues,
	}
}

type extraction struct {
	Gists              []types.Gist             `json:"gists"`
	Facts              []types.Fact             `json:"facts"`
	UserTraits         []types.TraitObservation `json:"user_traits"`
	CommunicationStyle map[string]float64       `json:"communication_style"`
	Emotion            *types.EmotionReading    `json:"emotion"`
}

// Handle is the chunker-queue worker handler. The payload is one
// EncodeEvent (one half of an exchange).
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var ev types.EncodeEvent
	if err := job.DecodePayload(&ev); err != nil {
		return fmt.Errorf("decode encode event: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	// Regex side effects run on the user half only, model or not
	if ev.PromptMessage != "" {
		w.applyMicroPreferences(ev.PromptMessage)
		w.applyChallengeReaction(ev.Topic, ev.PromptMessage)
	}

	ext, err := w.extract(cctx, ev)
	if err != nil {
		return fmt.Errorf("extract %s: %w", ev.ExchangeID, err)
	}

	w.storeGists(ev.Topic, ext.Gists)
	w.storeFacts(ev.Topic, ext.Facts)
	w.storeTraits(cctx, ext.UserTraits)
	w.mergeCommStyle(ext.CommunicationStyle)
	w.reinforceFromEmotion(ev.Topic, ext.Emotion)

	chunk := &types.MemoryChunk{
		Gists:              ext.Gists,
		Facts:              ext.Facts,
		UserTraits:         ext.UserTraits,
		CommunicationStyle: ext.CommunicationStyle,
		Emotion:            ext.Emotion,
		CreatedAt:          time.Now(),
	}
	if err := w.threads.SetMemoryChunk(ev.ExchangeID, chunk); err != nil {
		if err == memory.ErrChunkAlreadySet {
			// Second half of the exchange; the first chunk stands
			logging.Debug("chunker", "chunk for %s already set, dropping", ev.ExchangeID)
		} else {
			logging.Warn("chunker", "set chunk: %v", err)
		}
	}

	// The episodic worker decides readiness; we just nudge it
	if _, err := w.queues.EnqueuePayload(queue.QueueEpisodic, map[string]string{
		"thread_id": ev.ThreadID,
		"topic":     ev.Topic,
	}); err != nil {
		logging.Warn("chunker", "enqueue episodic: %v", err)
	}
	return nil
}

func (w *Worker) extract(ctx context.Context, ev types.EncodeEvent) (*extraction, error) {
	var input strings.Builder
	fmt.Fprintf(&input, "Topic: %s\n", ev.Topic)
	if ws := w.world.Get(ev.Topic); ws != "" {
		fmt.Fprintf(&input, "World state: %s\n", ws)
	}
	if existing := w.gists.Gists(ev.Topic); len(existing) > 0 {
		input.WriteString("Existing gists:\n")
		for _, g := range existing {
			fmt.Fprintf(&input, "- %s\n", g.Content)
		}
	}
	if ev.PromptMessage != "" {
		fmt.Fprintf(&input, "User: %s\n", ev.PromptMessage)
	}
	if ev.ResponseMessage != "" {
		fmt.Fprintf(&input, "Assistant: %s\n", ev.ResponseMessage)
	}

	reply, err := w.provider.SendMessage(ctx, extractionContract, input.String(), llm.FormatJSON)
	if err != nil {
		return nil, err
	}

	var ext extraction
	text := strings.TrimSpace(reply.Text)
	if err := json.Unmarshal([]byte(text), &ext); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	return &ext, nil
}

func (w *Worker) storeGists(topic string, gists []types.Gist) {
	if len(gists) == 0 {
		return
	}
	now := time.Now()
	for i := range gists {
		if gists[i].ID == "" {
			gists[i].ID = uuid.NewString()
		}
		gists[i].CreatedAt = now
	}
	w.gists.StoreGists(topic, gists)
}

func (w *Worker) storeFacts(topic string, facts []types.Fact) {
	now := time.Now()
	for _, f := range facts {
		if f.Confidence < w.cfg.MinFactConfidence {
			continue
		}
		f.Source = "chunker"
		f.CreatedAt = now
		w.facts.Store(topic, f)
	}
}

// storeTraits applies the source/confidence penalties before writing:
// inferred observations lose 30%, and scope confidence below 0.5
// halves the rest
func (w *Worker) storeTraits(ctx context.Context, observations []types.TraitObservation) {
	for _, obs := range observations {
		if obs.Key == "" || obs.Value == "" {
			continue
		}
		if obs.Source == "" {
			obs.Source = types.TraitInferred
		}
		if obs.Source == types.TraitInferred {
			obs.Confidence *= 0.7
		}
		if obs.Confidence < 0.5 {
			obs.Confidence *= 0.5
		}
		if obs.Category == "" {
			obs.Category = types.TraitGeneral
		}

		var emb []float64
		if e, err := w.embedder.Embed(ctx, obs.Key+" "+obs.Value); err == nil {
			emb = e
		}
		if _, err := w.db.UpsertTrait(obs, emb); err != nil {
			logging.Warn("chunker", "upsert trait %s: %v", obs.Key, err)
		}
	}
}

// mergeCommStyle folds a new style reading into the stored JSON trait
// via EMA: weight 0.5 for the first five observations, 0.3 after
func (w *Worker) mergeCommStyle(style map[string]float64) {
	if len(style) == 0 {
		return
	}

	current := make(map[string]float64)
	observations := 0
	if t, err := w.db.GetTrait("communication_style"); err == nil {
		json.Unmarshal([]byte(t.Value), &current)
		observations = t.ReinforcementCount
	}

	weight := 0.5
	if observations >= 5 {
		weight = 0.3
	}
	for _, dim := range commStyleDimensions {
		nv, ok := style[dim]
		if !ok {
			continue
		}
		if old, ok := current[dim]; ok {
			current[dim] = old*(1-weight) + nv*weight
		} else {
			current[dim] = nv
		}
	}

	data, err := json.Marshal(current)
	if err != nil {
		return
	}
	if err := w.db.SetTraitValue("communication_style", string(data), types.TraitCommStyle, 0.9); err != nil {
		logging.Warn("chunker", "store communication style: %v", err)
	}
}

// reinforceFromEmotion maps the user emotion reading plus the cached
// behaviour reward onto per-vector identity signals
func (w *Worker) reinforceFromEmotion(topic string, emotion *types.EmotionReading) {
	if w.identity == nil || emotion == nil || emotion.User == nil {
		return
	}

	reward := 0.0
	if w.rewards != nil {
		if v, ok := w.rewards.Get("reward:" + topic); ok {
			if r, ok := v.(float64); ok {
				reward = r
			}
		}
	}

	joy := emotion.User["joy"]
	surprise := emotion.User["surprise"]
	anger := emotion.User["anger"]
	disgust := emotion.User["disgust"]

	signals := map[string]float64{
		"warmth":              joy - anger,
		"playfulness":         joy + 0.5*surprise - disgust,
		"curiosity":           surprise,
		"emotional_intensity": math.Max(math.Max(joy, anger), math.Max(surprise, disgust)),
		"assertiveness":       -0.5 * anger,
		"skepticism":          disgust - 0.3*joy,
	}
	for name, sig := range signals {
		if sig == 0 {
			continue
		}
		if err := w.identity.Reinforce(name, sig, reward); err != nil {
			logging.Warn("chunker", "reinforce %s: %v", name, err)
		}
	}
}

func (w *Worker) applyMicroPreferences(userText string) {
	for _, mp := range microPreferences {
		if !mp.pattern.MatchString(userText) {
			continue
		}
		obs := types.TraitObservation{
			Key:        mp.key,
			Value:      mp.value,
			Category:   types.TraitMicroPreference,
			Confidence: microPreferenceConfidence,
			Source:     types.TraitExplicit,
		}
		if _, err := w.db.UpsertTrait(obs, nil); err != nil {
			logging.Warn("chunker", "micro preference %s: %v", mp.key, err)
		}
	}
}

// applyChallengeReaction moves challenge_tolerance toward the user's
// observed reaction when the previous assistant turn pushed back
func (w *Worker) applyChallengeReaction(topic, userText string) {
	prev := w.gists.LastExchange(topic)
	if prev == "" {
		return
	}
	prevLower := strings.ToLower(prev)
	challenged := false
	for _, ind := range challengeIndicators {
		if strings.Contains(prevLower, ind) {
			challenged = true
			break
		}
	}
	if !challenged {
		return
	}

	signal := 0.5 // neutral reaction reads as tolerated
	lower := strings.ToLower(userText)
	switch {
	case strings.Contains(lower, "good point") || strings.Contains(lower, "fair") ||
		strings.Contains(lower, "you're right") || strings.Contains(lower, "youre right") ||
		strings.Contains(lower, "hadn't thought"):
		signal = 1.0
	case strings.Contains(lower, "just do") || strings.Contains(lower, "whatever") ||
		strings.Contains(lower, "didn't ask") || strings.Contains(lower, "didnt ask") ||
		strings.Contains(lower, "stop"):
		signal = 0.0
	}

	current := 0.5
	if t, err := w.db.GetTrait("challenge_tolerance"); err == nil {
		fmt.Sscanf(t.Value, "%f", &current)
	}
	next := current*0.8 + signal*0.2
	if err := w.db.SetTraitValue("challenge_tolerance", fmt.Sprintf("%.3f", next), types.TraitCommStyle, 0.8); err != nil {
		logging.Warn("chunker", "challenge tolerance: %v", err)
	}
}
