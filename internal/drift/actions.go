package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

const (
	reflectActivationMin = 0.5
	reflectRelevanceMin  = 0.3
	reflectNoveltyMax    = 0.7
	reflectDailyBudget   = 0.4
	reflectBoostLimit    = 3

	seedActivationMin  = 0.6
	seedCooldown       = 24 * time.Hour
	seedMaxActive      = 5
	seedEpisodeWindow  = 72 * time.Hour
	seedEpisodeCos     = 0.55
	seedEpisodeMin     = 2
	seedConceptMinStr  = 0.6

	nurtureCooldown     = 24 * time.Hour
	nurtureMaxUnanswer  = 3
	nurtureSurfaceIdle  = 24 * time.Hour
	nurtureExploreIdle  = 12 * time.Hour

	planActivationMin = 0.7
	planCooldown      = 48 * time.Hour
	planMaxActive     = 3
	planSimilarMax    = 0.6
	planCheapSteps    = 3

	suggestTraitMin    = 0.7
	suggestTraitCount  = 3
	suggestTraitCos    = 0.4
	suggestCooldown    = 24 * time.Hour
	suggestTopicWindow = 7 * 24 * time.Hour
	suggestEngageMin   = 0.5

	communicateBackoffBase = 6 * time.Hour
	communicateRelevance   = 0.4
	communicateEngageMin   = 0.3
	communicateNoveltyMax  = 0.7
	candidateTTL           = 12 * time.Hour

	nothingFlagTTL = 30 * time.Minute
)

var planVerbs = []string{
	"plan", "organize", "prepare", "research", "build", "write",
	"schedule", "learn", "fix", "set up", "look into", "figure out",
}

// actionSpec is one entry in the drift action registry
type actionSpec struct {
	name     string
	priority int
	evaluate func(ctx context.Context, tc *tickCtx) (float64, bool)
	execute  func(ctx context.Context, tc *tickCtx) error
}

// registry is the fixed action table, evaluated every tick. The winner
// is the highest-scoring eligible action, ties broken by priority.
func (e *Engine) registry() []actionSpec {
	return []actionSpec{
		{"NOTHING", -1, e.evalNothing, e.execNothing},
		{"REFLECT", 5, e.evalReflect, e.execReflect},
		{"SEED_THREAD", 6, e.evalSeedThread, e.execSeedThread},
		{"NURTURE", 7, e.evalNurture, e.execNurture},
		{"PLAN", 7, e.evalPlan, e.execPlan},
		{"SUGGEST", 8, e.evalSuggest, e.execSuggest},
		{"COMMUNICATE", 10, e.evalCommunicate, e.execCommunicate},
	}
}

// --- NOTHING ---

func (e *Engine) evalNothing(_ context.Context, _ *tickCtx) (float64, bool) {
	return 0, true
}

// execNothing records the passed-over thought briefly so an immediate
// follow-up tick on the same seed can see it
func (e *Engine) execNothing(_ context.Context, tc *tickCtx) error {
	e.flags.Set("drift:last_thought", tc.thought.Content, nothingFlagTTL)
	return nil
}

// --- REFLECT ---

func (e *Engine) evalReflect(_ context.Context, tc *tickCtx) (float64, bool) {
	t := tc.thought
	if t.Type != types.ThoughtReflection || t.ActivationEnergy < reflectActivationMin {
		return 0, false
	}
	// Only reflect on what the user has recently been near
	if embs := e.recentMessageEmbeddings(); len(embs) > 0 && len(t.Embedding) > 0 {
		best := 0.0
		for _, emb := range embs {
			if c := textutil.Cosine(t.Embedding, emb); c > best {
				best = c
			}
		}
		if best < reflectRelevanceMin {
			return 0, false
		}
	}
	// Novelty against recent reflections on the same topic
	for _, g := range e.gists.Gists(t.SeedTopic) {
		if g.Type == types.GistReflection && textutil.Jaccard(g.Content, t.Content) > reflectNoveltyMax {
			return 0, false
		}
	}
	budgetOK := false
	e.store.read(func(s *state) {
		limit := int(reflectDailyBudget * float64(s.TicksToday))
		if limit < 1 {
			limit = 1
		}
		budgetOK = s.ReflectsToday < limit
	})
	if !budgetOK {
		return 0, false
	}
	return t.ActivationEnergy, true
}

func (e *Engine) execReflect(_ context.Context, tc *tickCtx) error {
	t := tc.thought
	content := t.Content
	names, err := e.db.NeighborNames(t.SeedConcept, reflectBoostLimit)
	if err == nil && len(names) > 0 {
		content = fmt.Sprintf("%s (connects to: %s)", t.Content, strings.Join(names, ", "))
		for _, n := range names {
			if err := e.db.BoostConceptAccess(n); err != nil {
				logging.Debug("drift", "boost %s: %v", n, err)
			}
		}
	}
	e.gists.StoreGists(t.SeedTopic, []types.Gist{{
		ID:         uuid.NewString(),
		Content:    content,
		Type:       types.GistReflection,
		Confidence: t.ActivationEnergy * 10,
		CreatedAt:  tc.now,
	}})
	if err := e.db.BoostConceptAccess(t.SeedConcept); err != nil {
		logging.Debug("drift", "boost %s: %v", t.SeedConcept, err)
	}
	e.store.update(func(s *state) { s.ReflectsToday++ })
	return nil
}

// --- SEED_THREAD ---

func (e *Engine) evalSeedThread(_ context.Context, tc *tickCtx) (float64, bool) {
	t := tc.thought
	if t.Type != types.ThoughtInsight || t.ActivationEnergy < seedActivationMin {
		return 0, false
	}
	cooldownOK := false
	e.store.read(func(s *state) {
		cooldownOK = tc.now.Sub(s.LastSeedThread) >= seedCooldown
	})
	if !cooldownOK {
		return 0, false
	}
	active, err := e.db.ActiveCuriosityThreads()
	if err != nil || len(active) >= seedMaxActive {
		return 0, false
	}
	for _, th := range active {
		if th.SeedTopic == t.SeedTopic {
			return 0, false
		}
	}
	// The insight must be anchored in actual recent experience, not a
	// one-off mention
	if len(t.Embedding) == 0 {
		return 0, false
	}
	near, err := e.db.RecentEpisodesNear(tc.now.Add(-seedEpisodeWindow), t.Embedding, seedEpisodeCos)
	if err != nil || near < seedEpisodeMin {
		return 0, false
	}
	strong, err := e.db.StrongConceptsNear(t.Embedding, seedConceptMinStr, seedEpisodeCos)
	if err != nil || strong < 1 {
		return 0, false
	}
	return t.ActivationEnergy, true
}

func (e *Engine) execSeedThread(_ context.Context, tc *tickCtx) error {
	t := tc.thought
	thread := &types.CuriosityThread{
		ID:          uuid.NewString(),
		SeedConcept: t.SeedConcept,
		SeedTopic:   t.SeedTopic,
		Content:     t.Content,
		Active:      true,
		CreatedAt:   tc.now,
		LastTouched: tc.now,
	}
	if err := e.db.CreateCuriosityThread(thread); err != nil {
		return fmt.Errorf("create curiosity thread: %w", err)
	}
	e.store.update(func(s *state) { s.LastSeedThread = tc.now })
	logging.Info("drift", "seeded curiosity thread on %s", t.SeedTopic)
	return nil
}

// --- NURTURE ---

func (e *Engine) evalNurture(_ context.Context, tc *tickCtx) (float64, bool) {
	if e.quietHours(tc.now) {
		return 0, false
	}
	ok := false
	var phase types.SparkPhase
	e.store.read(func(s *state) {
		phase = s.SparkPhase
		if phase != types.PhaseSurface && phase != types.PhaseExploratory {
			return
		}
		if paused(s, tc.now) || s.Pending != nil || s.Unanswered >= nurtureMaxUnanswer {
			return
		}
		if tc.now.Sub(s.LastNurture) < time.Duration(float64(nurtureCooldown)*s.Backoff) {
			return
		}
		ok = true
	})
	if !ok {
		return 0, false
	}
	if n, err := e.db.EpisodeCount(); err != nil || n < 1 {
		return 0, false
	}
	minIdle := nurtureSurfaceIdle
	if phase == types.PhaseExploratory {
		minIdle = nurtureExploreIdle
	}
	lastInput, err := e.db.LastInteraction("user_input")
	if err != nil || tc.now.Sub(lastInput) < minIdle {
		return 0, false
	}
	return 0.5 + 0.1*tc.thought.ActivationEnergy, true
}

func (e *Engine) execNurture(ctx context.Context, tc *tickCtx) error {
	prompt := "Write one short, warm check-in message to the user. " +
		"Reference the thought below if it fits naturally; no questions longer than one sentence.\n\n" +
		tc.thought.Content
	reply, err := e.provider.SendMessage(ctx, "You are Chalie, reaching out between conversations.", prompt, llm.FormatText)
	if err != nil {
		return fmt.Errorf("nurture message: %w", err)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return nil
	}
	c := newCandidate(tc.thought, 0.5, candidateTTL)
	c.Content = text
	e.deliver(ctx, c, true)
	e.store.update(func(s *state) {
		s.LastNurture = tc.now
		s.Unanswered++
		s.Backoff *= 2
		if s.Backoff > maxBackoff {
			s.Backoff = maxBackoff
		}
	})
	return nil
}

// --- PLAN ---

func (e *Engine) evalPlan(_ context.Context, tc *tickCtx) (float64, bool) {
	t := tc.thought
	if t.Type != types.ThoughtHypothesis && t.Type != types.ThoughtQuestion {
		return 0, false
	}
	if t.ActivationEnergy < planActivationMin {
		return 0, false
	}
	lower := strings.ToLower(t.Content)
	hasVerb := false
	for _, v := range planVerbs {
		if strings.Contains(lower, v) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return 0, false
	}
	// Recurrence: the topic must have come up more than once, in
	// conversation or in drift itself
	recurs := false
	e.store.read(func(s *state) { recurs = s.DriftTopicCounts[t.SeedTopic] >= 2 })
	if !recurs {
		if n, err := e.db.TopicSeenCount(t.SeedTopic, tc.now.Add(-7*24*time.Hour)); err == nil && n >= 2 {
			recurs = true
		}
	}
	if !recurs {
		return 0, false
	}
	ok := false
	e.store.read(func(s *state) {
		if tc.now.Sub(s.LastPlan) < planCooldown {
			return
		}
		active := 0
		for _, task := range s.Tasks {
			if task.Status == "done" {
				continue
			}
			active++
			if textutil.Jaccard(task.Content, t.Content) > planSimilarMax {
				return
			}
		}
		ok = active < planMaxActive
	})
	if !ok {
		return 0, false
	}
	return t.ActivationEnergy, true
}

func (e *Engine) execPlan(ctx context.Context, tc *tickCtx) error {
	t := tc.thought
	contract := `Break the goal below into concrete steps. Reply with JSON only:
{"steps": ["step one", "step two"]}`
	reply, err := e.provider.SendMessage(ctx, contract, t.Content, llm.FormatJSON)
	if err != nil {
		return fmt.Errorf("plan decomposition: %w", err)
	}
	var parsed struct {
		Steps []string `json:"steps"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Text)), &parsed); err != nil || len(parsed.Steps) == 0 {
		return fmt.Errorf("parse plan steps: %w", err)
	}

	status := "active"
	if len(parsed.Steps) > planCheapSteps {
		status = "awaiting_confirmation"
	}
	task := Task{
		ID:        uuid.NewString(),
		Topic:     t.SeedTopic,
		Content:   t.Content,
		Steps:     parsed.Steps,
		Status:    status,
		CreatedAt: tc.now,
	}
	e.store.update(func(s *state) {
		s.Tasks = append(s.Tasks, task)
		s.LastPlan = tc.now
	})
	logging.Info("drift", "planned task on %s (%d steps, %s)", t.SeedTopic, len(parsed.Steps), status)

	if status == "awaiting_confirmation" && !e.quietHours(tc.now) {
		c := newCandidate(t, 0.6, candidateTTL)
		c.Content = fmt.Sprintf("I've been thinking about %s and sketched a plan: %s. Want me to get started?",
			t.SeedTopic, strings.Join(parsed.Steps, "; "))
		e.deliver(ctx, c, true)
	}
	return nil
}

// --- SUGGEST ---

func (e *Engine) evalSuggest(_ context.Context, tc *tickCtx) (float64, bool) {
	if e.quietHours(tc.now) {
		return 0, false
	}
	t := tc.thought
	ok := false
	firstFire := false
	e.store.read(func(s *state) {
		if s.SparkPhase != types.PhaseConnected && s.SparkPhase != types.PhaseGraduated {
			return
		}
		if paused(s, tc.now) || s.Pending != nil {
			return
		}
		if tc.now.Sub(s.LastSuggest) < suggestCooldown {
			return
		}
		if last, seen := s.SuggestTopics[t.SeedTopic]; seen && tc.now.Sub(last) < suggestTopicWindow {
			return
		}
		if engagementScore(s) <= suggestEngageMin {
			return
		}
		firstFire = !s.SuggestFired
		ok = true
	})
	if !ok {
		return 0, false
	}
	traits, err := e.db.ConfidentTraits(suggestTraitMin)
	if err != nil || len(traits) < suggestTraitCount {
		return 0, false
	}
	// A suggestion must connect the thought to something we actually
	// know about the user
	if !firstFire {
		if len(t.Embedding) == 0 {
			return 0, false
		}
		best := 0.0
		for _, tr := range traits {
			if len(tr.Embedding) == 0 {
				continue
			}
			if c := textutil.Cosine(t.Embedding, tr.Embedding); c > best {
				best = c
			}
		}
		if best < suggestTraitCos {
			return 0, false
		}
	}
	return 0.6 + 0.2*t.ActivationEnergy, true
}

func (e *Engine) execSuggest(ctx context.Context, tc *tickCtx) error {
	t := tc.thought
	firstFire := false
	e.store.read(func(s *state) { firstFire = !s.SuggestFired })

	var text string
	if firstFire {
		text = "By the way - I can remember things for you, keep track of how your projects are going, " +
			"and nudge you when something you care about needs attention. Just ask."
	} else {
		traits, err := e.db.ConfidentTraits(suggestTraitMin)
		if err != nil {
			return fmt.Errorf("confident traits: %w", err)
		}
		var traitLines strings.Builder
		for i, tr := range traits {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&traitLines, "- %s: %s\n", tr.Key, tr.Value)
		}
		prompt := fmt.Sprintf("Thought: %s\n\nWhat I know about the user:\n%s\nWrite one short, concrete suggestion the user might find useful. One or two sentences, no preamble.",
			t.Content, traitLines.String())
		reply, err := e.provider.SendMessage(ctx, "You are Chalie, offering an unprompted but well-grounded suggestion.", prompt, llm.FormatText)
		if err != nil {
			return fmt.Errorf("suggestion: %w", err)
		}
		text = strings.TrimSpace(reply.Text)
		if text == "" {
			return nil
		}
	}

	c := newCandidate(t, 0.7, candidateTTL)
	c.Content = text
	e.deliver(ctx, c, true)
	e.store.update(func(s *state) {
		s.LastSuggest = tc.now
		s.SuggestTopics[t.SeedTopic] = tc.now
		s.SuggestFired = true
	})
	return nil
}

// --- COMMUNICATE ---

func (e *Engine) evalCommunicate(_ context.Context, tc *tickCtx) (float64, bool) {
	t := tc.thought
	if t.Type != types.ThoughtQuestion && t.Type != types.ThoughtInsight && t.Type != types.ThoughtEvent {
		return 0, false
	}
	ok := false
	e.store.read(func(s *state) {
		if s.Pending != nil {
			return
		}
		if t.ActivationEnergy < communicateThreshold(s) {
			return
		}
		if engagementScore(s) < communicateEngageMin {
			return
		}
		ok = true
	})
	if !ok {
		return 0, false
	}
	// Novelty: don't volunteer what the conversation already holds
	if e.working != nil {
		for _, turn := range e.working.AllTurns() {
			if textutil.Jaccard(t.Content, turn.Content) >= communicateNoveltyMax {
				return 0, false
			}
		}
	}
	// Timing: don't interrupt an active conversation, don't message
	// into the void after long absence, honour the backoff
	lastInput, err := e.db.LastInteraction("user_input")
	if err == nil {
		idle := tc.now.Sub(lastInput)
		if idle < e.cfg.MinIdle || idle > e.cfg.MaxIdle {
			return 0, false
		}
	}
	var backoff float64
	e.store.read(func(s *state) { backoff = s.Backoff })
	if lastProactive, err := e.db.LastInteraction("proactive"); err == nil {
		if tc.now.Sub(lastProactive) < time.Duration(float64(communicateBackoffBase)*backoff) {
			return 0, false
		}
	}
	// Cognitive load: steadily shrinking replies mean the user is
	// winding down, not a moment to add more
	if counts, err := e.db.RecentUserWordCounts(3); err == nil && len(counts) >= 3 {
		if counts[0] < counts[1] && counts[1] < counts[2] && counts[0]*2 < counts[2] {
			return 0, false
		}
	}
	// Topic relevance: near something the user recently said, or a
	// topic drift itself keeps circling back to
	relevant := false
	if embs := e.recentMessageEmbeddings(); len(embs) > 0 && len(t.Embedding) > 0 {
		for _, emb := range embs {
			if textutil.Cosine(t.Embedding, emb) >= communicateRelevance {
				relevant = true
				break
			}
		}
	}
	if !relevant {
		e.store.read(func(s *state) { relevant = s.DriftTopicCounts[t.SeedTopic] >= 2 })
	}
	if !relevant {
		return 0, false
	}
	return t.ActivationEnergy, true
}

// execCommunicate funnels the thought through the capped candidate set
// and delivers the best one. Circuit-breaker pauses divert the thought
// into the candidate pool; quiet hours divert it into the deferred set.
func (e *Engine) execCommunicate(ctx context.Context, tc *tickCtx) error {
	t := tc.thought
	c := newCandidate(t, t.ActivationEnergy, candidateTTL)

	breakerOpen := false
	e.store.read(func(s *state) { breakerOpen = paused(s, tc.now) })
	if breakerOpen {
		e.store.update(func(s *state) {
			s.Candidates = pushCandidate(s.Candidates, c, e.cfg.MaxCandidates, tc.now)
		})
		logging.Info("drift", "circuit breaker open, %s on %s held as candidate", t.Type, t.SeedTopic)
		return nil
	}

	if e.quietHours(tc.now) {
		e.store.update(func(s *state) {
			s.Deferred = pushCandidate(s.Deferred, c, e.cfg.MaxCandidates, tc.now)
			s.DeferredProcessed = false
		})
		logging.Info("drift", "deferred %s on %s until quiet hours end", t.Type, t.SeedTopic)
		return nil
	}

	var best types.ProactiveCandidate
	found := false
	e.store.update(func(s *state) {
		s.Candidates = pushCandidate(s.Candidates, c, e.cfg.MaxCandidates, tc.now)
		best, s.Candidates, found = popBest(s.Candidates, tc.now)
	})
	if !found {
		return nil
	}
	e.deliver(ctx, best, true)
	return nil
}
