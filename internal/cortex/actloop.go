package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/graph"
	"github.com/chalie-ai/chalie/internal/llm"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// Termination reasons recorded on the final iteration
const (
	TermNoActions      = "no_actions"
	TermRepetition     = "repetition_detected"
	TermMaxIterations  = "max_iterations"
	TermFatigue        = "fatigue_budget"
	TermTimeout        = "cumulative_timeout"
	TermCancelled      = "cancelled"
	TermPlanningFailed = "planning_failed"
)

// ActOutcome is what an ACT run leaves behind for the terminal
// responder
type ActOutcome struct {
	History           []types.ActionResult
	Iterations        int
	Fatigue           float64
	TerminationReason string
	Elapsed           time.Duration
}

// IterationLogger persists per-iteration observability records
type IterationLogger interface {
	LogIteration(rec graph.IterationRecord) error
}

// Loop runs the iterative ACT algorithm. Both run hosts (inline
// digest and tool worker) share this implementation; the tool worker
// adds cancellation and heartbeats through the callbacks.
type Loop struct {
	cfg        config.ActConfig
	provider   llm.Provider
	dispatcher *Dispatcher
	log        IterationLogger
}

// NewLoop wires the ACT loop
func NewLoop(cfg config.ActConfig, provider llm.Provider, dispatcher *Dispatcher, log IterationLogger) *Loop {
	return &Loop{cfg: cfg, provider: provider, dispatcher: dispatcher, log: log}
}

type planReply struct {
	Actions []types.Action `json:"actions"`
}

// Run executes the loop for one cycle. cancelled is checked at every
// iteration boundary; a nil func never cancels. In-flight actions of
// a cancelled iteration complete but their results are discarded.
func (l *Loop) Run(ctx context.Context, cycleID string, pc PromptContext, cancelled func() bool) *ActOutcome {
	start := time.Now()
	out := &ActOutcome{}
	prevType := types.ActionType("")
	repetitionRun := 0

	for {
		if cancelled != nil && cancelled() {
			out.TerminationReason = TermCancelled
			break
		}

		pc.ActHistory = out.History
		reply, err := l.provider.SendMessage(ctx, ActPrompt(pc), "Plan the next actions.", llm.FormatJSON)
		if err != nil {
			logging.Warn("cortex", "act planning call: %v", err)
			out.TerminationReason = TermPlanningFailed
			break
		}

		actions := parseActions(reply.Text)
		if len(actions) == 0 {
			out.TerminationReason = TermNoActions
			break
		}

		if len(actions) == 1 {
			if actions[0].Type == prevType {
				repetitionRun++
			} else {
				repetitionRun = 0
			}
			prevType = actions[0].Type
			if repetitionRun >= l.cfg.RepetitionLimit {
				out.TerminationReason = TermRepetition
				break
			}
		} else {
			repetitionRun = 0
			prevType = ""
		}

		if reason := l.cannotContinue(out, time.Since(start)); reason != "" {
			out.TerminationReason = reason
			break
		}

		var results []types.ActionResult
		for _, action := range actions {
			results = append(results, l.dispatcher.Dispatch(ctx, pc.Topic, action))
		}

		if cancelled != nil && cancelled() {
			// Results of the cancelled iteration are dropped
			out.TerminationReason = TermCancelled
			break
		}

		for i, r := range results {
			out.History = append(out.History, r)
			out.Fatigue += CostOf(actions[i])
		}

		l.logIteration(cycleID, out, results, time.Since(start))
		out.Iterations++
	}

	out.Elapsed = time.Since(start)
	l.logIteration(cycleID, out, nil, out.Elapsed)
	logging.Info("cortex", "act loop done: %d iterations, fatigue %.1f, %s (%s)",
		out.Iterations, out.Fatigue, out.TerminationReason, out.Elapsed.Round(time.Millisecond))
	return out
}

// cannotContinue returns a termination reason when any loop bound is
// exhausted, "" otherwise
func (l *Loop) cannotContinue(out *ActOutcome, elapsed time.Duration) string {
	switch {
	case out.Iterations >= l.cfg.MaxIterations:
		return TermMaxIterations
	case out.Fatigue >= l.cfg.FatigueBudget:
		return TermFatigue
	case elapsed >= l.cfg.CumulativeTimeout:
		return TermTimeout
	}
	return ""
}

func (l *Loop) logIteration(cycleID string, out *ActOutcome, results []types.ActionResult, elapsed time.Duration) {
	if l.log == nil {
		return
	}
	rec := graph.IterationRecord{
		CycleID:           cycleID,
		Iteration:         out.Iterations,
		Mode:              types.ModeAct,
		Actions:           results,
		Fatigue:           out.Fatigue,
		NetValue:          netValue(out.History, out.Fatigue),
		Elapsed:           elapsed,
		TerminationReason: out.TerminationReason,
	}
	if err := l.log.LogIteration(rec); err != nil {
		logging.Warn("cortex", "log iteration: %v", err)
	}
}

// netValue is an observability estimate: successful results earn a
// point each, discounted by accumulated fatigue
func netValue(history []types.ActionResult, fatigue float64) float64 {
	var v float64
	for _, r := range history {
		if r.Status == types.ActionSuccess {
			v += 1.0
		}
	}
	return v - 0.1*fatigue
}

// parseActions tolerates both bare and fenced JSON replies
func parseActions(text string) []types.Action {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}
	if idx := strings.LastIndex(text, "}"); idx >= 0 && idx < len(text)-1 {
		text = text[:idx+1]
	}
	var reply planReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		logging.Debug("cortex", "unparseable plan: %s", logging.Truncate(text, 200))
		return nil
	}
	return reply.Actions
}

// Responder renders terminal-mode responses with guaranteed non-empty
// output
type Responder struct {
	provider llm.Provider
	identity IdentityProvider
}

// NewResponder wires the terminal responder
func NewResponder(provider llm.Provider, identity IdentityProvider) *Responder {
	return &Responder{provider: provider, identity: identity}
}

// Generate makes the single terminal LLM call for a mode. IGNORE
// short-circuits to empty. Any failure or empty reply falls back to
// the fixed per-mode text.
func (r *Responder) Generate(ctx context.Context, mode types.Mode, pc PromptContext, userMessage string) string {
	if mode == types.ModeIgnore {
		return ""
	}

	reply, err := r.provider.SendMessage(ctx, TerminalPrompt(mode, r.identity, pc), userMessage, llm.FormatText)
	if err != nil {
		logging.Warn("cortex", "%s generation: %v - using fallback", mode, err)
		return Fallback(mode)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return Fallback(mode)
	}
	return text
}

// GenerateFollowup renders a tool-result follow-up from the act
// history context
func (r *Responder) GenerateFollowup(ctx context.Context, actContext, userMessage string) string {
	reply, err := r.provider.SendMessage(ctx, FollowupPrompt(r.identity, actContext), userMessage, llm.FormatText)
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		if err != nil {
			logging.Warn("cortex", "followup generation: %v", err)
		}
		return fmt.Sprintf("Done - here's what I found: %s", logging.Truncate(actContext, 300))
	}
	return strings.TrimSpace(reply.Text)
}
