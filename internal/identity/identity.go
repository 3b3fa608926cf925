// Package identity maintains the six personality vectors: fast-moving
// activation shaped by reinforcement signals, slow-moving baseline
// shifted only when the signal history proves stable.
package identity

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

const (
	// Dual-channel signal weights
	emotionWeight = 0.6
	rewardWeight  = 0.4

	signalHistoryDepth = 20

	// Baseline drift gates
	driftMinSamples      = 10
	driftSignConsistency = 0.70
	driftMaxVariance     = 0.15
	driftStep            = 0.005
	driftDailyBudget     = 0.02
	driftWindow          = 24 * time.Hour

	// Relational coherence constraints
	coherenceAssertHigh  = 0.75
	coherenceWarmthLow   = 0.35
	coherenceSkepticHigh = 0.75
	coherenceNudge       = 0.05
	coherencePullTarget  = 0.70

	// Voice mapper neutral band: vectors inside it emit no directive
	voiceHighThreshold = 0.55
	voiceLowThreshold  = 0.45
)

// Engine holds the in-memory vectors and writes every change through
// to the graph store
type Engine struct {
	mu      sync.Mutex
	db      *graph.DB
	vectors map[string]*types.IdentityVector
}

// NewEngine loads (or seeds) the identity vectors
func NewEngine(db *graph.DB) (*Engine, error) {
	vectors, err := db.LoadVectors()
	if err != nil {
		return nil, fmt.Errorf("load identity vectors: %w", err)
	}
	return &Engine{db: db, vectors: vectors}, nil
}

// Reinforce applies one dual-channel signal to a vector. Emotion and
// reward are each in [-1,1]; the combined signal moves activation by
// plasticity_rate and is appended to the signal history. Baseline
// drift is attempted afterwards and only proceeds when the history
// passes every stability gate.
func (e *Engine) Reinforce(name string, emotion, reward float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.vectors[name]
	if !ok {
		return fmt.Errorf("unknown identity vector %q", name)
	}

	signal := emotionWeight*clampSigned(emotion) + rewardWeight*clampSigned(reward)
	delta := signal * v.PlasticityRate
	v.Activation += delta
	v.ReinforcementCount++

	v.SignalHistory = append(v.SignalHistory, signal)
	if len(v.SignalHistory) > signalHistoryDepth {
		v.SignalHistory = v.SignalHistory[len(v.SignalHistory)-signalHistoryDepth:]
	}

	e.enforceCoherence(v)
	e.maybeDriftBaseline(v, time.Now())
	adjusted := e.enforceRelationalCoherence()

	if err := e.db.SaveVector(v); err != nil {
		return fmt.Errorf("save vector %s: %w", name, err)
	}
	for _, av := range adjusted {
		if av == v {
			continue
		}
		if err := e.db.SaveVector(av); err != nil {
			return fmt.Errorf("save vector %s: %w", av.Name, err)
		}
	}
	e.db.LogIdentityEvent(name, "reinforce", delta)
	return nil
}

// maybeDriftBaseline shifts baseline toward the history's consensus by
// one fixed step, gated on sample depth, sign consistency, variance,
// and the 24h drift budget. A successful drift clears the history and
// count so the next step must re-earn ten fresh stable samples.
func (e *Engine) maybeDriftBaseline(v *types.IdentityVector, now time.Time) {
	if now.Sub(v.DriftWindowStart) >= driftWindow {
		v.DriftToday = 0
		v.DriftWindowStart = now
	}

	if v.ReinforcementCount < driftMinSamples || len(v.SignalHistory) < driftMinSamples {
		return
	}

	var sum, positives, negatives float64
	for _, s := range v.SignalHistory {
		sum += s
		if s > 0 {
			positives++
		} else if s < 0 {
			negatives++
		}
	}
	n := float64(len(v.SignalHistory))
	mean := sum / n
	if math.Max(positives, negatives)/n <= driftSignConsistency {
		return
	}

	var variance float64
	for _, s := range v.SignalHistory {
		variance += (s - mean) * (s - mean)
	}
	variance /= n
	if variance >= driftMaxVariance {
		return
	}

	step := driftStep
	if mean < 0 {
		step = -driftStep
	}
	if v.DriftToday+math.Abs(step) > driftDailyBudget {
		return
	}

	v.Baseline += step
	v.DriftToday += math.Abs(step)
	v.SignalHistory = nil
	v.ReinforcementCount = 0
	e.enforceCoherence(v)
	e.db.LogIdentityEvent(v.Name, "drift", step)
	logging.Info("identity", "%s baseline drifted %.3f -> %.3f", v.Name, v.Baseline-step, v.Baseline)
}

// enforceCoherence is level 1: clamp activation and baseline into
// [min_cap, max_cap]. Signal history, counts, and the drift budget are
// never touched here.
func (e *Engine) enforceCoherence(v *types.IdentityVector) {
	v.Activation = clamp(v.Activation, v.MinCap, v.MaxCap)
	v.Baseline = clamp(v.Baseline, v.MinCap, v.MaxCap)
}

// enforceRelationalCoherence is level 2: high assertiveness cannot
// coexist with very low warmth or very high skepticism. Returns the
// vectors it adjusted. Like level 1, it leaves signal history, counts,
// and drift state alone.
func (e *Engine) enforceRelationalCoherence() []*types.IdentityVector {
	assertive := e.vectors["assertiveness"]
	warmth := e.vectors["warmth"]
	skeptic := e.vectors["skepticism"]
	if assertive == nil || warmth == nil || skeptic == nil {
		return nil
	}

	var adjusted []*types.IdentityVector
	if assertive.Activation > coherenceAssertHigh && warmth.Activation < coherenceWarmthLow {
		warmth.Activation = clamp(warmth.Activation+coherenceNudge, warmth.MinCap, warmth.MaxCap)
		adjusted = append(adjusted, warmth)
	}
	if assertive.Activation > coherenceAssertHigh && skeptic.Activation > coherenceSkepticHigh {
		assertive.Activation = pullToward(assertive.Activation, coherencePullTarget, coherenceNudge)
		skeptic.Activation = pullToward(skeptic.Activation, coherencePullTarget, coherenceNudge)
		adjusted = append(adjusted, assertive, skeptic)
	}
	return adjusted
}

// ApplyInertia pulls every activation back toward its baseline by the
// vector's inertia rate. Called once per decay cycle.
func (e *Engine) ApplyInertia() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range e.vectors {
		gap := v.Baseline - v.Activation
		if math.Abs(gap) < 1e-9 {
			continue
		}
		v.Activation += gap * v.InertiaRate
		e.enforceCoherence(v)
		if err := e.db.SaveVector(v); err != nil {
			return fmt.Errorf("save vector %s: %w", v.Name, err)
		}
	}
	return nil
}

// Activation returns the current activation of one vector (baseline
// 0.5 for unknown names)
func (e *Engine) Activation(name string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vectors[name]; ok {
		return v.Activation
	}
	return 0.5
}

// Snapshot returns copies of all vectors, in canonical order
func (e *Engine) Snapshot() []types.IdentityVector {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.IdentityVector, 0, len(e.vectors))
	for _, name := range graph.VectorNames {
		if v, ok := e.vectors[name]; ok {
			out = append(out, *v)
		}
	}
	return out
}

// voiceDirectives maps each dimension to its high/low prompt phrasing
var voiceDirectives = map[string][2]string{
	"curiosity":           {"Ask follow-up questions and explore tangents that interest you.", "Stay on topic; don't probe beyond what was asked."},
	"assertiveness":       {"State opinions directly and push back when you disagree.", "Hedge your opinions and defer to the user's framing."},
	"warmth":              {"Be openly supportive and personal.", "Keep a professional, even tone."},
	"playfulness":         {"Joke around; wordplay and levity are welcome.", "Keep it straight; minimal humor."},
	"skepticism":          {"Question claims and ask for evidence before accepting them.", "Take statements at face value."},
	"emotional_intensity": {"Express feelings vividly when they arise.", "Keep emotional expression muted."},
}

// VoiceDirectives renders up to three polarized vectors (largest
// distance from 0.5) into prompt directives, strongest first. Vectors
// inside the neutral band emit nothing, so a flat identity speaks
// with no directives at all.
func (e *Engine) VoiceDirectives() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	type polarized struct {
		name       string
		activation float64
		distance   float64
	}
	ranked := make([]polarized, 0, len(e.vectors))
	for _, v := range e.vectors {
		ranked = append(ranked, polarized{v.Name, v.Activation, math.Abs(v.Activation - 0.5)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].distance != ranked[j].distance {
			return ranked[i].distance > ranked[j].distance
		}
		return ranked[i].name < ranked[j].name
	})

	var out []string
	for _, p := range ranked {
		if len(out) >= 3 {
			break
		}
		if p.activation <= voiceHighThreshold && p.activation >= voiceLowThreshold {
			continue
		}
		pair, ok := voiceDirectives[p.name]
		if !ok {
			continue
		}
		if p.activation >= 0.5 {
			out = append(out, pair[0])
		} else {
			out = append(out, pair[1])
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// pullToward moves v one step toward target without overshooting
func pullToward(v, target, step float64) float64 {
	if v > target {
		return math.Max(target, v-step)
	}
	if v < target {
		return math.Min(target, v+step)
	}
	return v
}

func clampSigned(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
