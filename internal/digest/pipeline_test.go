package digest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/bus"
	"github.com/chalie-ai/chalie/internal/classify"
	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/cortex"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/identity"
	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/output"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/router"
	"github.com/chalie-ai/chalie/internal/types"
)

// scriptedProvider answers every model call with a fixed reply and
// counts how often it was reached
type scriptedProvider struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (p *scriptedProvider) SendMessage(ctx context.Context, systemPrompt, userMessage string, format llm.Format) (*llm.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &llm.Reply{Text: p.reply}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// vectorEmbedder maps known texts to fixed vectors and everything else
// to the fallback
type vectorEmbedder struct {
	vectors  map[string][]float64
	fallback []float64
}

func (e *vectorEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := e.vectors[text]; ok {
		return append([]float64(nil), v...), nil
	}
	return append([]float64(nil), e.fallback...), nil
}

type pipelineHarness struct {
	p        *Pipeline
	cfg      *config.Config
	provider *scriptedProvider
	gists    *memory.GistStore
	threads  *memory.ThreadStore
	working  *memory.WorkingMemory
	world    *memory.WorldState
	flags    *memory.TTLMap
	queues   *queue.Runtime
	db       *graph.DB
	pub      *output.Publisher
	scorer   *classify.ToolScorer
}

// newPipelineHarness wires a full pipeline the way main does, with the
// model and embedder swapped for fakes
func newPipelineHarness(t *testing.T, emb *vectorEmbedder) *pipelineHarness {
	t.Helper()

	cfg := config.Default()
	cfg.StatePath = t.TempDir()
	cfg.User = "tester"
	cfg.Memory.MaxTurns = 4

	db, err := graph.Open(cfg.StatePath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ident, err := identity.NewEngine(db)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	provider := &scriptedProvider{reply: "noted"}
	working := memory.NewWorkingMemory(filepath.Join(cfg.StatePath, "working.json"), cfg.Memory.MaxTurns)
	gists := memory.NewGistStore(filepath.Join(cfg.StatePath, "gists.json"), memory.GistStoreConfig{
		MaxGists:         cfg.Memory.MaxGists,
		MaxPerType:       cfg.Memory.MaxPerType,
		JaccardThreshold: cfg.Memory.JaccardThreshold,
		MinConfidence:    cfg.Memory.MinGistConfidence,
		TTL:              cfg.Memory.GistTTL,
	})
	facts := memory.NewFactStore(filepath.Join(cfg.StatePath, "facts.json"), cfg.Memory.FactTTL)
	threads := memory.NewThreadStore(filepath.Join(cfg.StatePath, "threads.json"))
	world := memory.NewWorldState(cfg.Memory.WorldTTL)
	flags := memory.NewTTLMap()

	queues := queue.NewRuntime(cfg.StatePath, time.Minute)
	for _, name := range []string{queue.QueuePrompt, queue.QueueChunker, queue.QueueEpisodic, queue.QueueTool} {
		queues.Declare(name, 0)
	}
	t.Cleanup(queues.Close)

	pub := output.NewPublisher()
	skills := cortex.NewInnateSkills(db, facts, world, emb, cfg.Decay.LambdaEpisodic)
	scorer := classify.NewToolScorer(emb)
	topics := classify.NewTopicClassifier(cfg.StatePath, emb)
	dispatcher := cortex.NewDispatcher(skills, nil, db, cfg.Act.ActionTimeout)
	loop := cortex.NewLoop(cfg.Act, provider, dispatcher, db)
	responder := cortex.NewResponder(provider, ident)

	p := New(Deps{
		Config:    cfg,
		Working:   working,
		Gists:     gists,
		Facts:     facts,
		Threads:   threads,
		World:     world,
		Flags:     flags,
		DB:        db,
		Topics:    topics,
		Scorer:    scorer,
		Router:    router.New(db),
		Loop:      loop,
		Responder: responder,
		Skills:    skills,
		Embedder:  emb,
		Queues:    queues,
		Bus:       bus.New(),
		Publisher: pub,
	})

	return &pipelineHarness{
		p: p, cfg: cfg, provider: provider, gists: gists, threads: threads,
		working: working, world: world, flags: flags, queues: queues,
		db: db, pub: pub, scorer: scorer,
	}
}

func userJob(t *testing.T, msg types.InboundMessage) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.QueuePrompt, msg)
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	return job
}

func collectFrames(ch <-chan output.Frame) []output.Frame {
	var out []output.Frame
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func messageFrame(t *testing.T, frames []output.Frame) output.Frame {
	t.Helper()
	for _, f := range frames {
		if f.Type == output.FrameMessage {
			return f
		}
	}
	t.Fatal("no message frame emitted")
	return output.Frame{}
}

func TestFirstMessageSeedsColdStartBoosters(t *testing.T) {
	emb := &vectorEmbedder{fallback: []float64{0, 1}}
	h := newPipelineHarness(t, emb)

	frames := h.pub.Subscribe("r1")
	err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: "Hello", RequestID: "r1", Type: types.MessageUserInput,
		Channel: "terminal", Platform: "cli",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	collectFrames(frames)

	thread := h.threads.SelectOrCreate("tester", "terminal", "cli")
	if thread.CurrentTopic == "" {
		t.Fatal("thread has no topic after first message")
	}

	gists := h.gists.Gists(thread.CurrentTopic)
	boosters := 0
	for _, g := range gists {
		if g.Type == types.GistColdStart {
			boosters++
		}
	}
	if want := len(h.cfg.Digest.ColdStartBoosters); boosters != want {
		t.Errorf("cold-start gists %d, want %d", boosters, want)
	}
	if n := h.gists.RealCount(thread.CurrentTopic); n != 0 {
		t.Errorf("boosters must not count as real gists, got %d", n)
	}
}

func TestFastPathSkipsModelAndHandsOffToolWork(t *testing.T) {
	msg := "check the weather forecast for tomorrow"
	emb := &vectorEmbedder{
		vectors: map[string][]float64{
			msg: {1, 0},
			"weather: current conditions and forecast": {1, 0},
		},
		fallback: []float64{0, 1},
	}
	h := newPipelineHarness(t, emb)
	h.scorer.RegisterTool(context.Background(), types.ToolManifest{
		Name: "weather", Description: "current conditions and forecast",
	})

	// Warm the thread so the warmth gate is open
	thread := h.threads.SelectOrCreate("tester", "terminal", "cli")
	h.working.Append(thread.ID, types.RoleUser, "what a week")
	h.working.Append(thread.ID, types.RoleAssistant, "busy one")

	frames := h.pub.Subscribe("r2")
	err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: msg, RequestID: "r2", Type: types.MessageUserInput,
		Channel: "terminal", Platform: "cli",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if n := h.provider.callCount(); n != 0 {
		t.Errorf("model called %d times on the fast path, want 0", n)
	}
	if d := h.queues.Depth(queue.QueueTool); d != 1 {
		t.Errorf("tool queue depth %d, want 1", d)
	}

	f := messageFrame(t, collectFrames(frames))
	if f.Data["mode"] != string(types.ModeAct) {
		t.Errorf("frame mode %v, want ACT", f.Data["mode"])
	}
	if f.Data["text"] == "" {
		t.Error("fast path must still acknowledge the user")
	}

	thread = h.threads.SelectOrCreate("tester", "terminal", "cli")
	cycles, err := h.db.ActiveToolCycles(thread.CurrentTopic)
	if err != nil {
		t.Fatalf("tool cycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Errorf("active tool cycles %d, want 1", len(cycles))
	}
}

func TestInFlightToolWorkGetsProgressPhrase(t *testing.T) {
	first := "look into the weather there"
	second := "look into the weather again"
	emb := &vectorEmbedder{
		vectors: map[string][]float64{
			first:  {1, 0},
			second: {1, 0},
		},
		fallback: []float64{0, 1},
	}
	h := newPipelineHarness(t, emb)

	frames := h.pub.Subscribe("r3a")
	if err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: first, RequestID: "r3a", Type: types.MessageUserInput,
		Channel: "terminal", Platform: "cli",
	})); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	collectFrames(frames)
	callsAfterFirst := h.provider.callCount()

	thread := h.threads.SelectOrCreate("tester", "terminal", "cli")
	if err := h.db.CreateCycle(&types.Cycle{
		Type: types.CycleToolWork, Topic: thread.CurrentTopic,
		PromptText: first, Embedding: []float64{1, 0},
	}); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	frames = h.pub.Subscribe("r3b")
	if err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: second, RequestID: "r3b", Type: types.MessageUserInput,
		Channel: "terminal", Platform: "cli",
	})); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	f := messageFrame(t, collectFrames(frames))
	if f.Data["mode"] != string(types.ModeAcknowledge) {
		t.Errorf("frame mode %v, want ACKNOWLEDGE", f.Data["mode"])
	}
	if h.provider.callCount() != callsAfterFirst {
		t.Error("similar in-flight work must bypass the model")
	}
	if d := h.queues.Depth(queue.QueueTool); d != 0 {
		t.Errorf("tool queue depth %d, want 0 on bypass", d)
	}
}

func TestStaleToolResultStoredAsGist(t *testing.T) {
	emb := &vectorEmbedder{fallback: []float64{0, 1}}
	h := newPipelineHarness(t, emb)

	// The user is on a different topic by the time the result lands
	frames := h.pub.Subscribe("r4a")
	if err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: "planning my taxes this week", RequestID: "r4a",
		Type: types.MessageUserInput, Channel: "terminal", Platform: "cli",
	})); err != nil {
		t.Fatalf("user handle: %v", err)
	}
	collectFrames(frames)
	callsBefore := h.provider.callCount()

	thread := h.threads.SelectOrCreate("tester", "terminal", "cli")
	if err := h.p.Handle(context.Background(), userJob(t, types.InboundMessage{
		Text: "Sunny, 22 degrees", RequestID: "r4b", Type: types.MessageToolResult,
		Meta: map[string]any{
			"topic":           "weather-watch",
			"act_context":     "looked up the weekend weather",
			"thread_id":       thread.ID,
			"topic_embedding": []float64{1, 0},
		},
	})); err != nil {
		t.Fatalf("tool result handle: %v", err)
	}

	if h.provider.callCount() != callsBefore {
		t.Error("stale result must not trigger a follow-up generation")
	}
	gists := h.gists.Gists("weather-watch")
	if len(gists) != 1 {
		t.Fatalf("gists %d, want the result parked as one gist", len(gists))
	}
	if !strings.HasPrefix(gists[0].Content, "Background work finished") {
		t.Errorf("gist content %q", gists[0].Content)
	}
	if gists[0].Type != types.GistContext {
		t.Errorf("gist type %s, want context", gists[0].Type)
	}
}

func TestContextWarmthComposition(t *testing.T) {
	emb := &vectorEmbedder{fallback: []float64{0, 1}}
	h := newPipelineHarness(t, emb)
	const tol = 1e-9

	if got := h.p.contextWarmth("t1", "garden", ""); got != 0 {
		t.Errorf("cold context warmth %f, want 0", got)
	}

	h.world.Set("garden", "sunny afternoon")
	if got := h.p.contextWarmth("t1", "garden", h.world.Get("garden")); got < 1.0/3-tol || got > 1.0/3+tol {
		t.Errorf("world-only warmth %f, want 1/3", got)
	}

	// Two of four turns: fill 0.5
	h.working.Append("t1", types.RoleUser, "the roses came up")
	h.working.Append("t1", types.RoleAssistant, "good sign for spring")
	if got := h.p.contextWarmth("t1", "garden", h.world.Get("garden")); got < 0.5-tol || got > 0.5+tol {
		t.Errorf("warmth with turns %f, want 0.5", got)
	}

	// Five distinct gists saturate the gist component
	h.gists.StoreGists("garden", []types.Gist{
		{Content: "planting roses along the fence", Type: types.GistFact, Confidence: 9},
		{Content: "wants a compost bin by summer", Type: types.GistIntent, Confidence: 9},
		{Content: "prefers native perennial species", Type: types.GistPreference, Confidence: 9},
		{Content: "excited about first blooms", Type: types.GistEmotion, Confidence: 9},
		{Content: "soil was tested last month", Type: types.GistContext, Confidence: 9},
	})
	want := (0.5 + 1.0 + 1.0) / 3
	if got := h.p.contextWarmth("t1", "garden", h.world.Get("garden")); got < want-tol || got > want+tol {
		t.Errorf("full warmth %f, want %f", got, want)
	}

	// Cold-start boosters never warm a topic
	h.gists.StoreGists("intro", []types.Gist{
		{Content: "a fixed introduction line", Type: types.GistColdStart, Confidence: 10},
	})
	if got := h.p.contextWarmth("t2", "intro", ""); got != 0 {
		t.Errorf("booster-only warmth %f, want 0", got)
	}
}
