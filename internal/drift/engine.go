package drift

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

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

const (
	activationSampleDepth = 50
	bootstrapSamples      = 20
	bootstrapThreshold    = 0.6
	thresholdScale        = 1.25
)

// Engine runs the drift tick
type Engine struct {
	cfg      config.DriftConfig
	db       *graph.DB
	provider llm.Provider
	embedder embedding.Provider
	flags    *memory.TTLMap
	gists    *memory.GistStore
	working  *memory.WorkingMemory
	queues   *queue.Runtime
	store    *store
	actions  []actionSpec
}

// New wires the drift engine
func New(cfg config.DriftConfig, statePath string, db *graph.DB, provider llm.Provider,
	embedder embedding.Provider, flags *memory.TTLMap, gists *memory.GistStore,
	working *memory.WorkingMemory, queues *queue.Runtime) *Engine {
	e := &Engine{
		cfg: cfg, db: db, provider: provider, embedder: embedder,
		flags: flags, gists: gists, working: working, queues: queues,
		store: newStore(statePath),
	}
	e.actions = e.registry()
	return e
}

// Start ticks until the context is cancelled
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	logging.Info("drift", "engine started (every %s)", e.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one drift cycle: CPU gate, housekeeping, thought
// synthesis, action routing
func (e *Engine) Tick(ctx context.Context) {
	if e.cpuBusy() {
		logging.Debug("drift", "skipping tick, CPU busy")
		return
	}
	now := time.Now()

	e.maybeRecoverSuppression(now)
	e.deliverDeferred(ctx, now)
	e.rollDayWindow(now)

	thought, err := e.synthesize(ctx)
	if err != nil {
		logging.Warn("drift", "synthesis: %v", err)
		return
	}
	if thought == nil {
		return
	}

	e.store.update(func(s *state) {
		s.TicksToday++
		s.DriftTopicCounts[thought.SeedTopic]++
		if thought.Type == types.ThoughtReflection {
			s.ActivationSamples = append(s.ActivationSamples, thought.ActivationEnergy)
			if len(s.ActivationSamples) > activationSampleDepth {
				s.ActivationSamples = s.ActivationSamples[len(s.ActivationSamples)-activationSampleDepth:]
			}
		}
	})

	e.route(ctx, &tickCtx{thought: thought, now: now})
}

// tickCtx carries one tick's working data through the action registry
type tickCtx struct {
	thought *types.Thought
	now     time.Time
}

// route collects (score, eligible) from every registered action and
// executes the highest-scoring eligible one, ties broken by priority.
// NOTHING is always eligible so the router never comes up empty.
func (e *Engine) route(ctx context.Context, tc *tickCtx) {
	type ranked struct {
		spec  actionSpec
		score float64
	}
	var eligible []ranked
	for _, spec := range e.actions {
		score, ok := spec.evaluate(ctx, tc)
		if ok {
			eligible = append(eligible, ranked{spec, score})
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return eligible[i].spec.priority > eligible[j].spec.priority
	})

	winner := eligible[0]
	logging.Info("drift", "%s thought on %s -> %s (score %.2f)",
		tc.thought.Type, tc.thought.SeedTopic, winner.spec.name, winner.score)
	if err := winner.spec.execute(ctx, tc); err != nil {
		logging.Warn("drift", "%s: %v", winner.spec.name, err)
	}
}

func (e *Engine) cpuBusy() bool {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return false
	}
	return percents[0] > e.cfg.CPULoadMax
}

// quietHours reports whether the local hour falls inside the
// configured do-not-disturb window (which may wrap midnight)
func (e *Engine) quietHours(now time.Time) bool {
	hour := now.Hour()
	start, end := e.cfg.QuietStart, e.cfg.QuietEnd
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (e *Engine) rollDayWindow(now time.Time) {
	e.store.update(func(s *state) {
		if now.Sub(s.DayStart) >= 24*time.Hour {
			s.DayStart = now
			s.TicksToday = 0
			s.ReflectsToday = 0
		}
	})
}

// deliverDeferred runs once per quiet-hours cycle: the best deferred
// candidate becomes the active delivery, the rest rejoin the normal
// candidate pool, and the processed marker stops the sweep from
// re-firing until something is deferred again
func (e *Engine) deliverDeferred(ctx context.Context, now time.Time) {
	if e.quietHours(now) {
		return
	}
	var best types.ProactiveCandidate
	found := false
	e.store.update(func(s *state) {
		if s.DeferredProcessed || s.Pending != nil || len(s.Deferred) == 0 {
			return
		}
		best, s.Deferred, found = popBest(s.Deferred, now)
		for _, c := range s.Deferred {
			s.Candidates = pushCandidate(s.Candidates, c, e.cfg.MaxCandidates, now)
		}
		s.Deferred = nil
		s.DeferredProcessed = true
	})
	if found {
		e.deliver(ctx, best, true)
	}
}

// deliver hands a proactive candidate to the digest pipeline and
// optionally marks it as awaiting a reply
func (e *Engine) deliver(_ context.Context, c types.ProactiveCandidate, setPending bool) {
	cycle := &types.Cycle{Type: types.CycleDrift, Topic: c.Topic, PromptText: c.Content, Embedding: c.Embedding}
	if err := e.db.CreateCycle(cycle); err != nil {
		logging.Warn("drift", "create drift cycle: %v", err)
	}

	msg := types.InboundMessage{
		Text:      c.Content,
		RequestID: c.ID,
		Type:      types.MessageProactive,
		Meta: map[string]any{
			"topic":        c.Topic,
			"thought_type": string(c.Type),
			"cycle_id":     cycle.CycleID,
		},
	}
	if _, err := e.queues.EnqueuePayload(queue.QueuePrompt, msg); err != nil {
		logging.Warn("drift", "enqueue proactive: %v", err)
		e.db.SetCycleStatus(cycle.CycleID, types.CycleFailed)
		return
	}

	if setPending {
		e.store.update(func(s *state) {
			cc := c
			s.Pending = &cc
		})
	}
	e.db.SetCycleStatus(cycle.CycleID, types.CycleCompleted)
	logging.Info("drift", "delivered proactive %s on %s", c.Type, c.Topic)
}

// recentMessageEmbeddings gathers the cached embeddings of recent user
// messages across topics
func (e *Engine) recentMessageEmbeddings() [][]float64 {
	var out [][]float64
	for _, key := range e.flags.Keys() {
		if !strings.HasPrefix(key, "lastmsg:") {
			continue
		}
		if v, ok := e.flags.Get(key); ok {
			if emb, ok := v.([]float64); ok && len(emb) > 0 {
				out = append(out, emb)
			}
		}
	}
	return out
}

// communicateThreshold is the self-calibrated activation bar:
// bootstrap until enough reflection samples exist, then the running
// median scaled up
func communicateThreshold(s *state) float64 {
	if len(s.ActivationSamples) < bootstrapSamples {
		return bootstrapThreshold
	}
	sorted := make([]float64, len(s.ActivationSamples))
	copy(sorted, s.ActivationSamples)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	return median * thresholdScale
}

func newCandidate(t *types.Thought, score float64, ttl time.Duration) types.ProactiveCandidate {
	return types.ProactiveCandidate{
		ID:               uuid.NewString(),
		Type:             t.Type,
		Content:          t.Content,
		Topic:            t.SeedTopic,
		SeedConcept:      t.SeedConcept,
		ActivationEnergy: t.ActivationEnergy,
		Score:            score,
		CreatedAt:        time.Now(),
		OriginalTTL:      ttl,
		Embedding:        t.Embedding,
	}
}
