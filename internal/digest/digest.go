// Package digest is the request pipeline: five phases per inbound
// message, from immediate working-memory commit through retrieval,
// classification, routing, generation, and async follow-up. It is the
// only component that touches every store.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/bus"
	"github.com/chalie-ai/chalie/internal/classify"
	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/cortex"
	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/output"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/router"
	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// Flag key prefixes on the shared TTL map. Each component owns its
// prefix.
const (
	KeyCancel  = "cancel:"  // + cycle id, set to cancel a tool-work cycle
	KeyReward  = "reward:"  // + topic, cached behaviour-reward signal
	KeyLastMsg = "lastmsg:" // + topic, embedding of the last user message
)

const rewardTTL = 10 * time.Minute

// ProactiveCorrelator receives user replies while a proactive message
// is awaiting a response (drift's engagement tracker)
type ProactiveCorrelator interface {
	HandleUserReply(text string, embedding []float64)
	PendingResponse() bool
}

// ToolJob is the payload enqueued for the tool worker on the fast path
type ToolJob struct {
	CycleID    string              `json:"cycle_id"`
	ParentID   string              `json:"parent_cycle_id"`
	Topic      string              `json:"topic"`
	ThreadID   string              `json:"thread_id"`
	ExchangeID string              `json:"exchange_id"`
	Text       string              `json:"text"`
	Embedding  []float64           `json:"embedding,omitempty"`
	TopScores  []types.ToolScore `json:"top_scores,omitempty"`
	Signals    types.Signals     `json:"signals"`
}

// Pipeline executes the five digest phases
type Pipeline struct {
	cfg       *config.Config
	working   *memory.WorkingMemory
	gists     *memory.GistStore
	facts     *memory.FactStore
	threads   *memory.ThreadStore
	world     *memory.WorldState
	flags     *memory.TTLMap
	db        *graph.DB
	topics    *classify.TopicClassifier
	scorer    *classify.ToolScorer
	router    *router.Router
	loop      *cortex.Loop
	responder *cortex.Responder
	skills    *cortex.InnateSkills
	registry  *cortex.ToolRegistry
	embedder  embedding.Provider
	queues    *queue.Runtime
	bus       *bus.Bus
	pub       *output.Publisher
	proactive ProactiveCorrelator
}

// Deps bundles the pipeline's collaborators for construction
type Deps struct {
	Config    *config.Config
	Working   *memory.WorkingMemory
	Gists     *memory.GistStore
	Facts     *memory.FactStore
	Threads   *memory.ThreadStore
	World     *memory.WorldState
	Flags     *memory.TTLMap
	DB        *graph.DB
	Topics    *classify.TopicClassifier
	Scorer    *classify.ToolScorer
	Router    *router.Router
	Loop      *cortex.Loop
	Responder *cortex.Responder
	Skills    *cortex.InnateSkills
	Registry  *cortex.ToolRegistry
	Embedder  embedding.Provider
	Queues    *queue.Runtime
	Bus       *bus.Bus
	Publisher *output.Publisher
	Proactive ProactiveCorrelator
}

// New builds the pipeline
func New(d Deps) *Pipeline {
	return &Pipeline{
		cfg: d.Config, working: d.Working, gists: d.Gists, facts: d.Facts,
		threads: d.Threads, world: d.World, flags: d.Flags, db: d.DB,
		topics: d.Topics, scorer: d.Scorer, router: d.Router, loop: d.Loop,
		responder: d.Responder, skills: d.Skills, registry: d.Registry,
		embedder: d.Embedder, queues: d.Queues, bus: d.Bus, pub: d.Publisher,
		proactive: d.Proactive,
	}
}

// Handle is the prompt-queue worker handler
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	var msg types.InboundMessage
	if err := job.DecodePayload(&msg); err != nil {
		return fmt.Errorf("decode inbound message: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	if msg.Type == types.MessageToolResult {
		return p.handleToolResult(ctx, msg)
	}
	if msg.Type == types.MessageProactive {
		return p.handleProactive(ctx, msg)
	}

	if strings.TrimSpace(msg.Text) == "" {
		p.pub.Error(msg.RequestID, "empty message", true)
		return nil
	}
	return p.handleUserInput(ctx, msg)
}

func (p *Pipeline) handleUserInput(ctx context.Context, msg types.InboundMessage) error {
	start := time.Now()
	p.pub.Status(msg.RequestID, output.StageProcessing)

	thread := p.threads.SelectOrCreate(p.cfg.User, msg.Channel, msg.Platform)

	// --- Phase A: immediate commit ---
	p.working.Append(thread.ID, types.RoleUser, msg.Text)
	wordCount := textutil.WordCount(msg.Text)
	if err := p.db.LogInteraction("user_input", thread.CurrentTopic, "", wordCount); err != nil {
		logging.Warn("digest", "log user_input: %v", err)
	}
	reward := rewardSignal(msg.Text)
	if thread.CurrentTopic != "" {
		p.flags.Set(KeyReward+thread.CurrentTopic, reward, rewardTTL)
	}

	msgEmb, embErr := p.embedder.Embed(ctx, msg.Text)
	if embErr != nil {
		logging.Warn("digest", "embed message: %v", embErr)
	}
	if p.proactive != nil && p.proactive.PendingResponse() {
		p.proactive.HandleUserReply(msg.Text, msgEmb)
	}

	// --- Phase B: retrieval ---
	recentTopic := thread.CurrentTopic
	gists := p.gists.Gists(recentTopic)
	worldState := p.world.Get(recentTopic)
	warmth := p.contextWarmth(thread.ID, recentTopic, worldState)

	// --- Phase C: classification, routing, generation ---
	p.pub.Status(msg.RequestID, output.StageThinking)

	topicRes, err := p.topics.Classify(ctx, msg.Text, recentTopic)
	if err != nil {
		p.pub.Error(msg.RequestID, "classification failed", true)
		return fmt.Errorf("classify topic: %w", err)
	}
	topic := topicRes.Topic
	p.threads.Touch(thread.ID, topic)
	if len(msgEmb) > 0 {
		p.flags.Set(KeyLastMsg+topic, msgEmb, time.Hour)
	}
	if topic != recentTopic {
		gists = p.gists.Gists(topic)
		worldState = p.world.Get(topic)
		warmth = p.contextWarmth(thread.ID, topic, worldState)
	}

	// Cold topic: seed the fixed identity boosters before any context
	// assembly sees it
	if p.gists.InjectColdStart(topic, p.cfg.Digest.ColdStartBoosters) {
		gists = p.gists.Gists(topic)
	}

	exchange := &types.Exchange{
		ID:         uuid.NewString(),
		ThreadID:   thread.ID,
		Topic:      topic,
		PromptText: msg.Text,
		CreatedAt:  time.Now(),
	}
	p.threads.AppendExchange(exchange)

	// User half is always encoded, even when the fast path acks
	p.bus.PublishEncode(types.EncodeEvent{
		Topic:         topic,
		ExchangeID:    exchange.ID,
		PromptMessage: msg.Text,
		ThreadID:      thread.ID,
	})

	intent := classify.ClassifyIntent(msg.Text)
	scores := p.scorer.Score(ctx, msg.Text, 5)
	maxRelevance := classify.MaxRelevance(scores)

	if intent.IsCancel || intent.IsSelfResolved {
		p.cancelActiveToolWork(topic)
	} else if phrase, inFlight := p.inFlightPhrase(topic, msgEmb); inFlight {
		// Similar tool work already running: progress phrase, bypass
		p.threads.SetResponse(exchange.ID, phrase)
		p.pub.Message(msg.RequestID, phrase, topic, string(types.ModeAcknowledge), 1.0)
		p.pub.Done(msg.RequestID, time.Since(start))
		return nil
	}

	signals := p.buildSignals(thread.ID, topic, topicRes.Confidence, warmth, intent, maxRelevance, wordCount)

	// Fast path: strong tool signal on warm context skips the LLM
	if maxRelevance > p.cfg.Digest.ToolRelevanceThreshold &&
		warmth >= p.cfg.Digest.WarmthThreshold &&
		!intent.IsCancel && !intent.IsSelfResolved {
		decision := p.router.Route(signals)
		if decision.Mode == types.ModeAct {
			return p.runFastPath(ctx, msg, exchange, topic, msgEmb, scores, signals, start)
		}
	}

	// Normal path
	decision := p.router.Route(signals)
	pc := p.promptContext(thread.ID, topic, gists, worldState)

	userCycle := &types.Cycle{Type: types.CycleUserInput, Topic: topic, PromptText: msg.Text, Embedding: msgEmb}
	if err := p.db.CreateCycle(userCycle); err != nil {
		logging.Warn("digest", "create cycle: %v", err)
	}

	var responseText string
	mode := decision.Mode
	if mode == types.ModeAct {
		outcome := p.loop.Run(ctx, userCycle.CycleID, pc, func() bool {
			_, cancelled := p.flags.Get(KeyCancel + userCycle.CycleID)
			return cancelled
		})
		signals.ExcludeAct = true
		signals.PreviousMode = types.ModeAct
		terminal := p.router.Route(signals)
		mode = terminal.Mode
		pc.ActHistory = outcome.History
		responseText = p.responder.Generate(ctx, mode, pc, msg.Text)
	} else {
		responseText = p.responder.Generate(ctx, mode, pc, msg.Text)
	}
	p.db.SetCycleStatus(userCycle.CycleID, types.CycleCompleted)

	p.finishExchange(thread.ID, topic, exchange.ID, responseText, false)
	if mode != types.ModeIgnore {
		p.pub.Message(msg.RequestID, responseText, topic, string(mode), decision.Confidence)
	}
	p.pub.Done(msg.RequestID, time.Since(start))

	// --- Phase E: async follow-up ---
	p.maybeTriggerEpisodic(thread.ID, topic)
	return nil
}

// runFastPath delivers a template acknowledgement and hands the work
// to the tool worker. No LLM call happens on the request path.
func (p *Pipeline) runFastPath(ctx context.Context, msg types.InboundMessage, exchange *types.Exchange,
	topic string, msgEmb []float64, scores []types.ToolScore, signals types.Signals, start time.Time) error {

	ack := cortex.FastAck(classify.TopIsInnate(scores), int(time.Now().UnixNano()))

	userCycle := &types.Cycle{Type: types.CycleUserInput, Topic: topic, PromptText: msg.Text, Embedding: msgEmb}
	if err := p.db.CreateCycle(userCycle); err != nil {
		logging.Warn("digest", "create user cycle: %v", err)
	}
	fastCycle := &types.Cycle{Type: types.CycleFastResponse, ParentCycleID: userCycle.CycleID, Topic: topic}
	if err := p.db.CreateCycle(fastCycle); err != nil {
		logging.Warn("digest", "create fast cycle: %v", err)
	}
	toolCycle := &types.Cycle{Type: types.CycleToolWork, ParentCycleID: userCycle.CycleID, Topic: topic, PromptText: msg.Text, Embedding: msgEmb}
	if err := p.db.CreateCycle(toolCycle); err != nil {
		logging.Warn("digest", "create tool cycle: %v", err)
	}

	if _, err := p.queues.EnqueuePayload(queue.QueueTool, ToolJob{
		CycleID:    toolCycle.CycleID,
		ParentID:   userCycle.CycleID,
		Topic:      topic,
		ThreadID:   exchange.ThreadID,
		ExchangeID: exchange.ID,
		Text:       msg.Text,
		Embedding:  msgEmb,
		TopScores:  scores,
		Signals:    signals,
	}); err != nil {
		logging.Warn("digest", "enqueue tool job: %v", err)
	}

	// Template ack: assistant-half encoding is skipped, the text has
	// no semantic content
	p.finishExchange(exchange.ThreadID, topic, exchange.ID, ack, true)
	p.pub.Message(msg.RequestID, ack, topic, string(types.ModeAct), signals.MaxToolRelevance)
	p.pub.Done(msg.RequestID, time.Since(start))
	p.db.SetCycleStatus(fastCycle.CycleID, types.CycleCompleted)
	return nil
}

// handleToolResult is the dedicated re-entry branch: no
// classification, a follow-up prompt, and stale-topic suppression
func (p *Pipeline) handleToolResult(ctx context.Context, msg types.InboundMessage) error {
	start := time.Now()
	topic, _ := msg.Meta["topic"].(string)
	actContext, _ := msg.Meta["act_context"].(string)
	cycleID, _ := msg.Meta["cycle_id"].(string)
	threadID, _ := msg.Meta["thread_id"].(string)

	// Stale suppression: the user may have moved on
	if origEmb := floatSlice(msg.Meta["topic_embedding"]); len(origEmb) > 0 {
		if cur := p.currentTopicEmbedding(threadID); len(cur) > 0 {
			if textutil.Cosine(origEmb, cur) < p.cfg.Digest.StaleTopicCosine {
				p.gists.StoreGists(topic, []types.Gist{{
					ID:         uuid.NewString(),
					Content:    "Background work finished: " + logging.Truncate(actContext, 200),
					Type:       types.GistContext,
					Confidence: 5,
					CreatedAt:  time.Now(),
				}})
				logging.Info("digest", "tool result for %s is stale, stored as gist", topic)
				if cycleID != "" {
					p.db.SetCycleStatus(cycleID, types.CycleCompleted)
				}
				return nil
			}
		}
	}

	text := p.responder.GenerateFollowup(ctx, actContext, msg.Text)

	if threadID != "" {
		p.working.Append(threadID, types.RoleAssistant, text)
	}
	p.db.LogInteraction("system_response", topic, "tool_result", textutil.WordCount(text))
	p.pub.Message(msg.RequestID, text, topic, string(types.ModeRespond), 1.0)
	p.pub.Done(msg.RequestID, time.Since(start))
	if cycleID != "" {
		p.db.SetCycleStatus(cycleID, types.CycleCompleted)
	}
	return nil
}

// handleProactive delivers a drift-initiated message: no
// classification, no encode, just the notification and the trail the
// engagement tracker needs
func (p *Pipeline) handleProactive(ctx context.Context, msg types.InboundMessage) error {
	topic, _ := msg.Meta["topic"].(string)
	thoughtType, _ := msg.Meta["thought_type"].(string)

	thread := p.threads.SelectOrCreate(p.cfg.User, msg.Channel, msg.Platform)
	p.working.Append(thread.ID, types.RoleAssistant, msg.Text)
	if err := p.db.LogInteraction("proactive", topic, thoughtType, textutil.WordCount(msg.Text)); err != nil {
		logging.Warn("digest", "log proactive: %v", err)
	}
	p.gists.SetLastExchange(topic, msg.Text)

	p.pub.Notify(ctx, msg.Text, topic, "drift")
	logging.Info("digest", "proactive %s delivered on %s", thoughtType, topic)
	return nil
}

// finishExchange runs Phase D: assistant commit, interaction log,
// response record, and (unless suppressed) the assistant-half encode
func (p *Pipeline) finishExchange(threadID, topic, exchangeID, responseText string, skipEncode bool) {
	p.working.Append(threadID, types.RoleAssistant, responseText)
	if err := p.db.LogInteraction("system_response", topic, "", textutil.WordCount(responseText)); err != nil {
		logging.Warn("digest", "log system_response: %v", err)
	}
	if err := p.threads.SetResponse(exchangeID, responseText); err != nil {
		logging.Warn("digest", "set response: %v", err)
	}
	p.gists.SetLastExchange(topic, responseText)

	if !skipEncode {
		p.bus.PublishEncode(types.EncodeEvent{
			Topic:           topic,
			ExchangeID:      exchangeID,
			ResponseMessage: responseText,
			ThreadID:        threadID,
		})
	}
}

// contextWarmth averages three sub-scores: working-memory fill, real
// gist count capped at 5, and world-state presence
func (p *Pipeline) contextWarmth(threadID, topic, worldState string) float64 {
	fill := p.working.Fill(threadID)
	gistScore := float64(p.gists.RealCount(topic))
	if gistScore > 5 {
		gistScore = 5
	}
	gistScore /= 5
	worldScore := 0.0
	if worldState != "" {
		worldScore = 1.0
	}
	return (fill + gistScore + worldScore) / 3
}

func (p *Pipeline) buildSignals(threadID, topic string, topicConf, warmth float64,
	intent types.Intent, maxRelevance float64, wordCount int) types.Signals {

	trend := 1.0
	if counts, err := p.db.RecentUserWordCounts(2); err == nil && len(counts) == 2 && counts[1] > 0 {
		trend = float64(counts[0]) / float64(counts[1])
	}

	return types.Signals{
		WorkingMemoryFill: p.working.Fill(threadID),
		GistCount:         p.gists.RealCount(topic),
		FactCount:         p.facts.Count(topic),
		ContextWarmth:     warmth,
		Intent:            intent,
		TopicConfidence:   topicConf,
		MaxToolRelevance:  maxRelevance,
		ReplyLengthTrend:  trend,
		MessageWordCount:  wordCount,
	}
}

func (p *Pipeline) promptContext(threadID, topic string, gists []types.Gist, worldState string) cortex.PromptContext {
	return cortex.PromptContext{
		Topic:      topic,
		Gists:      gists,
		Facts:      p.facts.Formatted(topic),
		WorldState: worldState,
		Turns:      p.working.Turns(threadID),
		Skills:     p.skills.Descriptions(),
		Tools:      p.registryManifests(),
	}
}

func (p *Pipeline) registryManifests() []types.ToolManifest {
	if p.registry == nil {
		return nil
	}
	return p.registry.Manifests()
}

// cancelActiveToolWork flags every processing tool cycle on the topic
func (p *Pipeline) cancelActiveToolWork(topic string) {
	cycles, err := p.db.ActiveToolCycles(topic)
	if err != nil {
		logging.Warn("digest", "list tool cycles: %v", err)
		return
	}
	for _, c := range cycles {
		p.flags.Set(KeyCancel+c.CycleID, true, 5*time.Minute)
		p.db.SetCycleStatus(c.CycleID, types.CycleCancelled)
		logging.Info("digest", "cancelled tool cycle %s on %s", c.CycleID, topic)
	}
}

// inFlightPhrase reports whether semantically similar tool work is
// already running, and if so picks a progress phrase by its age
func (p *Pipeline) inFlightPhrase(topic string, msgEmb []float64) (string, bool) {
	if len(msgEmb) == 0 {
		return "", false
	}
	cycles, err := p.db.ActiveToolCycles(topic)
	if err != nil {
		return "", false
	}
	for _, c := range cycles {
		if len(c.Embedding) == 0 {
			continue
		}
		if textutil.Cosine(msgEmb, c.Embedding) >= p.cfg.Digest.InFlightCosine {
			return cortex.ProgressPhrase(time.Since(c.CreatedAt)), true
		}
	}
	return "", false
}

// maybeTriggerEpisodic enqueues an episodic job when the thread has
// enriched exchanges waiting; the worker decides actual readiness
func (p *Pipeline) maybeTriggerEpisodic(threadID, topic string) {
	if len(p.threads.EnrichedExchanges(threadID)) == 0 {
		return
	}
	if _, err := p.queues.EnqueuePayload(queue.QueueEpisodic, map[string]string{
		"thread_id": threadID,
		"topic":     topic,
	}); err != nil {
		logging.Warn("digest", "enqueue episodic: %v", err)
	}
}

func (p *Pipeline) currentTopicEmbedding(threadID string) []float64 {
	thread, ok := p.threads.Get(threadID)
	if !ok || thread.CurrentTopic == "" {
		return nil
	}
	if v, ok := p.flags.Get(KeyLastMsg + thread.CurrentTopic); ok {
		if emb, ok := v.([]float64); ok {
			return emb
		}
	}
	return p.topics.TopicEmbedding(thread.CurrentTopic)
}

// rewardSignal is the Phase A behaviour-reward heuristic over the
// user's reply to the previous exchange, in [-1,1]
func rewardSignal(text string) float64 {
	lower := strings.ToLower(text)
	positive := []string{"thanks", "thank you", "perfect", "great", "awesome", "exactly", "nice", "love it"}
	negative := []string{"wrong", "not what", "that's not", "thats not", "no,", "useless", "stop"}
	for _, w := range positive {
		if strings.Contains(lower, w) {
			return 1.0
		}
	}
	for _, w := range negative {
		if strings.Contains(lower, w) {
			return -1.0
		}
	}
	return 0
}

func floatSlice(v any) []float64 {
	switch vv := v.(type) {
	case []float64:
		return vv
	case []any:
		out := make([]float64, 0, len(vv))
		for _, x := range vv {
			if f, ok := x.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
