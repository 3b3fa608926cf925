// Package router decides the handling mode for a message from the
// assembled signal vector. It is a pure scoring function: every input
// comes in through types.Signals, every decision goes out as a
// types.ModeDecision, and each one is recorded for replay.
package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// tieDelta is the score window inside which the deterministic
// tiebreaker decides instead of the raw scores
const tieDelta = 0.05

// modePriority breaks ties: higher wins, alphabetical after that
var modePriority = map[types.Mode]int{
	types.ModeAct:         5,
	types.ModeRespond:     4,
	types.ModeClarify:     3,
	types.ModeAcknowledge: 2,
	types.ModeIgnore:      1,
}

// Recorder persists routing decisions for replay
type Recorder interface {
	LogRoutingDecision(decision types.ModeDecision, signals types.Signals) error
}

// Router scores the five modes against a signal vector
type Router struct {
	recorder Recorder
}

// New builds a router; recorder may be nil (decisions are then only
// logged to stdout)
func New(recorder Recorder) *Router {
	return &Router{recorder: recorder}
}

// Route scores every mode and returns the winner. The scoring is
// deterministic: identical signals always produce identical decisions.
func (r *Router) Route(signals types.Signals) types.ModeDecision {
	decision := r.score(signals)

	logging.Debug("router", "mode=%s confidence=%.2f tiebreaker=%v (%s)",
		decision.Mode, decision.Confidence, decision.TiebreakerUsed, decision.Rationale)
	if r.recorder != nil {
		if err := r.recorder.LogRoutingDecision(decision, signals); err != nil {
			logging.Warn("router", "log decision: %v", err)
		}
	}
	return decision
}

func (r *Router) score(s types.Signals) types.ModeDecision {
	// Cancel / self-resolved always terminates: acknowledge and move on
	if s.Intent.IsCancel || s.Intent.IsSelfResolved {
		return types.ModeDecision{
			Mode:       types.ModeAcknowledge,
			Confidence: 0.95,
			Rationale:  fmt.Sprintf("intent override (%s)", s.Intent.Type),
		}
	}

	scores := map[types.Mode]float64{
		types.ModeRespond:     scoreRespond(s),
		types.ModeAct:         scoreAct(s),
		types.ModeClarify:     scoreClarify(s),
		types.ModeAcknowledge: scoreAcknowledge(s),
		types.ModeIgnore:      scoreIgnore(s),
	}

	// Anti-oscillation: after an ACT pass, ACT needs fresh tool need
	if s.ExcludeAct || (s.PreviousMode == types.ModeAct && s.MaxToolRelevance < 0.5) {
		scores[types.ModeAct] = 0
	}

	type ranked struct {
		mode  types.Mode
		score float64
	}
	order := make([]ranked, 0, len(scores))
	for m, v := range scores {
		order = append(order, ranked{m, v})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		pi, pj := modePriority[order[i].mode], modePriority[order[j].mode]
		if pi != pj {
			return pi > pj
		}
		return order[i].mode < order[j].mode
	})

	winner := order[0]
	tiebreak := false
	if len(order) > 1 && order[0].score-order[1].score < tieDelta {
		tiebreak = true
		// Within the delta the priority order decides; the sort above
		// already encodes it, so the winner stands, but the decision
		// records that the margin was not score-driven.
	}

	return types.ModeDecision{
		Mode:           winner.mode,
		Confidence:     clamp01(winner.score),
		TiebreakerUsed: tiebreak,
		Rationale: fmt.Sprintf("scores %s=%.2f runner-up %s=%.2f warmth=%.2f relevance=%.2f intent=%s",
			winner.mode, winner.score, order[1].mode, order[1].score,
			s.ContextWarmth, s.MaxToolRelevance, s.Intent.Type),
	}
}

func scoreRespond(s types.Signals) float64 {
	score := 0.4
	switch s.Intent.Type {
	case types.IntentQuestion:
		score += 0.35
	case types.IntentStatement:
		score += 0.2
	case types.IntentRequest:
		score += 0.1
	}
	score += 0.2 * s.ContextWarmth
	score += 0.1 * s.Intent.Complexity
	return score
}

func scoreAct(s types.Signals) float64 {
	score := 0.0
	score += 0.8 * s.MaxToolRelevance
	if s.Intent.NeedsTools {
		score += 0.25
	}
	if s.Intent.Type == types.IntentRequest {
		score += 0.15
	}
	if s.Intent.Type == types.IntentSocial {
		score -= 0.4
	}
	return score
}

func scoreClarify(s types.Signals) float64 {
	score := 0.1
	if s.Intent.Confidence < 0.5 {
		score += 0.3
	}
	if s.TopicConfidence < 0.4 {
		score += 0.2
	}
	// Vague but complex asks on cold context deserve a question back
	if s.Intent.Complexity > 0.5 && s.ContextWarmth < 0.2 {
		score += 0.2
	}
	return score
}

func scoreAcknowledge(s types.Signals) float64 {
	score := 0.1
	if s.Intent.Type == types.IntentSocial {
		score += 0.5
	}
	if s.MessageWordCount <= 3 {
		score += 0.15
	}
	// Declining reply length reads as winding down
	if s.ReplyLengthTrend > 0 && s.ReplyLengthTrend < 0.5 {
		score += 0.25
	}
	return score
}

func scoreIgnore(s types.Signals) float64 {
	if s.MessageWordCount == 0 {
		return 1.0
	}
	return 0.02
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
