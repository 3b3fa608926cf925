// Package decay is the periodic forgetting pass: episodic activation,
// semantic strength, identity inertia, external-knowledge TTL, and
// trait confidence, all applied in one cycle.
package decay

import (
	"context"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/identity"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/memory"
)

// Episodes older than this since last access are eligible for decay
const staleAfter = time.Hour

const externalTTLFloor = 60 * time.Second

// Engine runs the decay pass on a timer
type Engine struct {
	cfg      config.DecayConfig
	db       *graph.DB
	identity *identity.Engine
	facts    *memory.FactStore
	gists    *memory.GistStore
	world    *memory.WorldState
	lastRun  time.Time
}

// New wires the decay engine
func New(cfg config.DecayConfig, db *graph.DB, id *identity.Engine,
	facts *memory.FactStore, gists *memory.GistStore, world *memory.WorldState) *Engine {
	return &Engine{cfg: cfg, db: db, identity: id, facts: facts, gists: gists, world: world, lastRun: time.Now()}
}

// Start runs decay cycles until the context is cancelled
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	logging.Info("decay", "engine started (every %s)", e.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(time.Now())
		}
	}
}

// RunCycle applies one full decay pass. Each stage is independent: a
// failing stage is logged and the rest still run.
func (e *Engine) RunCycle(now time.Time) {
	elapsed := now.Sub(e.lastRun)
	e.lastRun = now

	// Episodic activation, recomputed from the stored base so repeated
	// passes over stale data converge instead of compounding
	if n, err := e.db.DecayEpisodes(now, e.cfg.LambdaEpisodic, staleAfter); err != nil {
		logging.Warn("decay", "episodes: %v", err)
	} else if n > 0 {
		logging.Debug("decay", "decayed %d episodes", n)
	}

	// Semantic strength
	cutoff := now.Add(-staleAfter)
	if n, err := e.db.DecayConcepts(cutoff, e.cfg.LambdaSemantic); err != nil {
		logging.Warn("decay", "concepts: %v", err)
	} else if n > 0 {
		logging.Debug("decay", "decayed %d concepts", n)
	}

	// Identity inertia
	if e.identity != nil {
		if err := e.identity.ApplyInertia(); err != nil {
			logging.Warn("decay", "identity inertia: %v", err)
		}
	}

	// External knowledge ages faster: TTL / 1.5 with a 60s floor
	for _, topic := range e.facts.ExternalTopics() {
		e.facts.ShortenTTL(topic, 1.5, externalTTLFloor)
	}

	// Trait confidence
	if decayed, deleted, err := e.db.DecayTraits(now, elapsed, e.cfg.TraitFloorDays); err != nil {
		logging.Warn("decay", "traits: %v", err)
	} else if decayed+deleted > 0 {
		logging.Info("decay", "traits: %d decayed, %d deleted", decayed, deleted)
	}

	// Expired pool entries leave on the same cadence
	e.gists.Sweep()
	e.facts.Sweep()
	e.world.Sweep()
}
