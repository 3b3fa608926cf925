package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chalie-ai/chalie/internal/bus"
	"github.com/chalie-ai/chalie/internal/chunker"
	"github.com/chalie-ai/chalie/internal/classify"
	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/cortex"
	"github.com/chalie-ai/chalie/internal/decay"
	"github.com/chalie-ai/chalie/internal/digest"
	"github.com/chalie-ai/chalie/internal/drift"
	"github.com/chalie-ai/chalie/internal/embedding"
	"github.com/chalie-ai/chalie/internal/episodic"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/identity"
	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/memory"
	"github.com/chalie-ai/chalie/internal/output"
	"github.com/chalie-ai/chalie/internal/queue"
	"github.com/chalie-ai/chalie/internal/router"
	"github.com/chalie-ai/chalie/internal/scheduler"
	"github.com/chalie-ai/chalie/internal/semantic"
	"github.com/chalie-ai/chalie/internal/toolworker"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "chalie.yaml", "config file path")
	inspect := flag.Bool("inspect", false, "dump store state and exit")
	flag.Parse()

	log.Println("chalie - cognitive core")
	log.Println("=======================")

	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, using environment variables")
	} else {
		log.Println("[config] Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	os.MkdirAll(cfg.StatePath, 0755)
	os.MkdirAll(filepath.Join(cfg.StatePath, "system"), 0755)

	db, err := graph.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open graph database: %v", err)
	}
	defer db.Close()

	if *inspect {
		runInspect(cfg, db)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Model clients
	embedder := embedding.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel)
	provider := llm.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.LLM.Timeout)

	// Ephemeral pools
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

	if err := working.Load(); err != nil {
		log.Printf("Warning: failed to load working memory: %v", err)
	}
	if err := gists.Load(); err != nil {
		log.Printf("Warning: failed to load gists: %v", err)
	}
	if err := facts.Load(); err != nil {
		log.Printf("Warning: failed to load facts: %v", err)
	}
	if err := threads.Load(); err != nil {
		log.Printf("Warning: failed to load threads: %v", err)
	}

	// Identity
	ident, err := identity.NewEngine(db)
	if err != nil {
		log.Fatalf("Failed to load identity vectors: %v", err)
	}

	// Queues
	queues := queue.NewRuntime(cfg.StatePath, cfg.Queue.DefaultTimeout)
	for _, name := range []string{
		queue.QueuePrompt, queue.QueueChunker, queue.QueueEpisodic,
		queue.QueueSemantic, queue.QueueTool, queue.QueueOutput,
	} {
		queues.Declare(name, 0)
	}
	if n := queues.ReapOrphans(); n > 0 {
		log.Printf("[main] Requeued %d orphaned jobs from previous run", n)
	}

	// Output edge
	pub := output.NewPublisher()

	// Tools and skills
	registry := cortex.NewToolRegistry(ctx, cfg.Tools)
	defer registry.Close()
	skills := cortex.NewInnateSkills(db, facts, world, embedder, cfg.Decay.LambdaEpisodic)

	scorer := classify.NewToolScorer(embedder)
	for name, desc := range skills.Descriptions() {
		scorer.RegisterSkill(ctx, name, desc)
	}
	for _, m := range registry.Manifests() {
		scorer.RegisterTool(ctx, m)
	}

	// Notification fan-out to notification-enabled tools
	pub.SetNotificationDispatch(func(nctx context.Context, n output.Notification) {
		for _, tool := range registry.NotificationTools() {
			if _, err := registry.Call(nctx, tool, map[string]any{
				"__notification__": true,
				"content":          n.Content,
				"topic":            n.Topic,
				"source":           n.Source,
			}); err != nil {
				log.Printf("[main] notification dispatch to %s: %v", tool, err)
			}
		}
	})

	// Cognition
	topics := classify.NewTopicClassifier(cfg.StatePath, embedder)
	rtr := router.New(db)
	dispatcher := cortex.NewDispatcher(skills, registry, db, cfg.Act.ActionTimeout)
	loop := cortex.NewLoop(cfg.Act, provider, dispatcher, db)
	responder := cortex.NewResponder(provider, ident)

	// Drift
	drifter := drift.New(cfg.Drift, cfg.StatePath, db, provider, embedder, flags, gists, working, queues)

	// Pipeline
	eventBus := bus.New()
	pipeline := digest.New(digest.Deps{
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
		Router:    rtr,
		Loop:      loop,
		Responder: responder,
		Skills:    skills,
		Registry:  registry,
		Embedder:  embedder,
		Queues:    queues,
		Bus:       eventBus,
		Publisher: pub,
		Proactive: drifter,
	})

	// Workers
	chunkWorker := chunker.New(cfg.Chunker, provider, embedder, gists, facts,
		threads, world, db, ident, flags, queues)
	episodicWorker := episodic.New(cfg.Episodic, provider, embedder, threads, db, queues)
	semanticWorker := semantic.New(cfg.Semantic, provider, embedder, db)
	toolWorker := toolworker.New(cfg, loop, skills, registry, working, gists,
		facts, world, flags, db, queues)

	// Every encode_event becomes a chunker job
	eventBus.SubscribeEncode(func(ev types.EncodeEvent) {
		if _, err := queues.EnqueuePayload(queue.QueueChunker, ev); err != nil {
			log.Printf("[main] enqueue chunker job: %v", err)
		}
	})

	workers := []*queue.Worker{
		queue.NewWorker(queues, queue.QueuePrompt, pipeline.Handle),
		queue.NewWorker(queues, queue.QueueChunker, chunkWorker.Handle),
		queue.NewWorker(queues, queue.QueueEpisodic, episodicWorker.Handle),
		queue.NewWorker(queues, queue.QueueSemantic, semanticWorker.Handle),
		queue.NewWorker(queues, queue.QueueTool, toolWorker.Handle),
	}
	for _, w := range workers {
		w.Start()
	}

	// Background engines
	decayEngine := decay.New(cfg.Decay, db, ident, facts, gists, world)
	go decayEngine.Start(ctx)
	go scheduler.NewIdleConsolidation(cfg.Semantic, queues, db).Start(ctx)
	go scheduler.NewThreadExpiry(cfg.Episodic, threads, working, episodicWorker, db).Start(ctx)
	go drifter.Start(ctx)

	log.Println("[main] All subsystems started. Type a message, Ctrl+C to stop.")

	go repl(queues, pub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[main] Shutting down...")
	cancel()
	queues.Close()
	for _, w := range workers {
		w.Stop()
	}

	if err := working.Save(); err != nil {
		log.Printf("Warning: failed to save working memory: %v", err)
	}
	if err := gists.Save(); err != nil {
		log.Printf("Warning: failed to save gists: %v", err)
	}
	if err := facts.Save(); err != nil {
		log.Printf("Warning: failed to save facts: %v", err)
	}
	if err := threads.Save(); err != nil {
		log.Printf("Warning: failed to save threads: %v", err)
	}

	log.Println("[main] Goodbye!")
}

// repl reads lines from stdin and runs each through the pipeline,
// streaming the frames back to the terminal
func repl(queues *queue.Runtime, pub *output.Publisher) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}

		requestID := uuid.NewString()
		frames := pub.Subscribe(requestID)

		if _, err := queues.EnqueuePayload(queue.QueuePrompt, types.InboundMessage{
			Text:      text,
			Source:    types.SourceText,
			RequestID: requestID,
			Type:      types.MessageUserInput,
			Channel:   "terminal",
			Platform:  "cli",
		}); err != nil {
			log.Printf("[main] enqueue message: %v", err)
			continue
		}

		for f := range frames {
			switch f.Type {
			case output.FrameStatus:
				fmt.Printf("  … %v\n", f.Data["stage"])
			case output.FrameMessage:
				fmt.Printf("chalie> %v\n", f.Data["text"])
			case output.FrameError:
				fmt.Printf("error: %v\n", f.Data["message"])
			}
		}
	}
}

// runInspect prints a summary of the durable stores and identity state
func runInspect(cfg *config.Config, db *graph.DB) {
	fmt.Println("chalie state summary")
	fmt.Println("====================")
	fmt.Printf("state path: %s\n\n", cfg.StatePath)

	if n, err := db.EpisodeCount(); err == nil {
		fmt.Printf("episodes:          %d\n", n)
	}
	if n, err := db.CountUnconsolidated(cfg.Semantic.MaxRetries); err == nil {
		fmt.Printf("  unconsolidated:  %d\n", n)
	}
	if n, err := db.ConceptCount(); err == nil {
		fmt.Printf("concepts:          %d\n", n)
	}
	if n, err := db.TraitCount(); err == nil {
		fmt.Printf("traits:            %d\n", n)
	}
	if threads, err := db.ActiveCuriosityThreads(); err == nil {
		fmt.Printf("curiosity threads: %d active\n", len(threads))
	}

	ident, err := identity.NewEngine(db)
	if err != nil {
		fmt.Printf("\nidentity: unavailable (%v)\n", err)
		return
	}
	fmt.Println("\nidentity vectors")
	fmt.Println("----------------")
	for _, v := range ident.Snapshot() {
		fmt.Printf("%-20s activation %.3f  baseline %.3f  (%d signals)\n",
			v.Name, v.Activation, v.Baseline, len(v.SignalHistory))
	}
	fmt.Println("\nvoice directives")
	fmt.Println("----------------")
	for _, d := range ident.VoiceDirectives() {
		fmt.Printf("- %s\n", d)
	}
}
