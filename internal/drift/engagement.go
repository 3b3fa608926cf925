package drift

import (
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
)

const (
	outcomeHistoryDepth = 10
	maxBackoff          = 16.0
	breakerNegatives    = 3
	breakerWindow       = 4 * time.Hour
	breakerPause        = 8 * time.Hour
	suppressionPeriod   = 7 * 24 * time.Hour

	engagedSim   = 0.35
	dismissedSim = 0.20
	engagedWords = 3
)

// Spark-phase advancement thresholds, by engaged-outcome count
var sparkAdvance = []struct {
	phase   types.SparkPhase
	engaged int
}{
	{types.PhaseSurface, 1},
	{types.PhaseExploratory, 3},
	{types.PhaseConnected, 7},
	{types.PhaseGraduated, 15},
}

// PendingResponse reports whether a proactive message is awaiting the
// user's reply
func (e *Engine) PendingResponse() bool {
	pending := false
	e.store.read(func(s *state) { pending = s.Pending != nil })
	return pending
}

// HandleUserReply classifies the user's response to the pending
// proactive message and folds the outcome into the engagement score,
// backoff, and circuit breaker
func (e *Engine) HandleUserReply(text string, emb []float64) {
	now := time.Now()
	e.store.update(func(s *state) {
		if s.Pending == nil {
			return
		}
		pending := s.Pending
		s.Pending = nil

		var sim float64
		if len(emb) > 0 && len(pending.Embedding) > 0 {
			sim = textutil.Cosine(emb, pending.Embedding)
		} else {
			sim = textutil.Jaccard(text, pending.Content)
		}
		words := textutil.WordCount(text)

		var outcome string
		var score float64
		switch {
		case sim > engagedSim && words >= engagedWords:
			outcome, score = "engaged", 1.0
		case sim < dismissedSim:
			outcome, score = "dismissed", 0.0
		default:
			outcome, score = "acknowledged", 0.5
		}

		s.Outcomes = append(s.Outcomes, outcomeRecord{Outcome: outcome, Score: score, At: now})
		if len(s.Outcomes) > outcomeHistoryDepth {
			s.Outcomes = s.Outcomes[len(s.Outcomes)-outcomeHistoryDepth:]
		}

		switch outcome {
		case "engaged":
			s.Backoff = 1.0
			s.Unanswered = 0
			s.EngagedCount++
			advanceSparkPhase(s)
		case "dismissed":
			s.Backoff *= 2
			if s.Backoff > maxBackoff {
				s.Backoff = maxBackoff
			}
			s.Negatives = append(s.Negatives, now)
			trimNegatives(s, now)
			if len(s.Negatives) >= breakerNegatives {
				s.PausedUntil = now.Add(breakerPause)
				s.PausedSince = now
				s.Negatives = nil
				logging.Info("drift", "circuit breaker tripped, paused until %s", s.PausedUntil.Format(time.Kitchen))
			}
		}
		logging.Info("drift", "proactive outcome: %s (sim %.2f, %d words)", outcome, sim, words)
	})
}

func advanceSparkPhase(s *state) {
	for _, step := range sparkAdvance {
		if s.EngagedCount >= step.engaged {
			s.SparkPhase = step.phase
		}
	}
}

func trimNegatives(s *state, now time.Time) {
	cutoff := now.Add(-breakerWindow)
	var kept []time.Time
	for _, t := range s.Negatives {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.Negatives = kept
}

// engagementScore is the rolling mean of the outcome history, 0.5
// when nothing has been observed yet
func engagementScore(s *state) float64 {
	if len(s.Outcomes) == 0 {
		return 0.5
	}
	var sum float64
	for _, o := range s.Outcomes {
		sum += o.Score
	}
	return sum / float64(len(s.Outcomes))
}

func paused(s *state, now time.Time) bool {
	return now.Before(s.PausedUntil)
}

// maybeRecoverSuppression unpauses after a long pause during which
// the user kept talking, with backoff reset to 2x
func (e *Engine) maybeRecoverSuppression(now time.Time) {
	e.store.update(func(s *state) {
		if s.PausedSince.IsZero() {
			return
		}
		if !paused(s, now) {
			// Pause ran out on its own; clear the bookkeeping
			s.PausedSince = time.Time{}
			return
		}
		if now.Sub(s.PausedSince) < suppressionPeriod {
			return
		}
		lastInput, err := e.db.LastInteraction("user_input")
		if err != nil || !lastInput.After(s.PausedSince) {
			return
		}
		s.PausedUntil = time.Time{}
		s.PausedSince = time.Time{}
		s.Backoff = 2.0
		logging.Info("drift", "suppression recovered, backoff reset to 2x")
	})
}
