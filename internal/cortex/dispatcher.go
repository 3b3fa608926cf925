package cortex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// Dispatcher executes planned actions behind one result envelope:
// innate skills run in-process, external tools go through the MCP
// registry. Every dispatch gets a per-action timeout and a stats
// record.
type Dispatcher struct {
	skills   *InnateSkills
	registry *ToolRegistry
	stats    StatsRecorder
	timeout  time.Duration
}

// StatsRecorder persists skill and tool outcomes to procedural memory
type StatsRecorder interface {
	RecordSkillOutcome(name string, success bool) error
	RecordToolInvocation(name string, success bool, latency time.Duration) error
}

// NewDispatcher builds a dispatcher; registry may be nil when no
// external servers are configured
func NewDispatcher(skills *InnateSkills, registry *ToolRegistry, stats StatsRecorder, actionTimeout time.Duration) *Dispatcher {
	return &Dispatcher{skills: skills, registry: registry, stats: stats, timeout: actionTimeout}
}

// Dispatch runs one action to completion or timeout. The result is
// never nil; failures come back as status=error / status=timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, action types.Action) types.ActionResult {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := d.run(actx, topic, action)
		done <- outcome{text, err}
	}()

	result := types.ActionResult{ActionType: action.Type, Tool: action.Tool}
	select {
	case out := <-done:
		result.ExecutionTime = time.Since(start)
		if out.err != nil {
			result.Status = types.ActionError
			result.Result = out.err.Error()
		} else {
			result.Status = types.ActionSuccess
			result.Result = out.text
			result.IsCard = isCardPayload(out.text)
		}
	case <-actx.Done():
		result.ExecutionTime = time.Since(start)
		result.Status = types.ActionTimeout
		result.Result = fmt.Sprintf("action %s timed out after %s", actionName(action), d.timeout)
	}

	d.record(action, result)
	logging.Debug("cortex", "dispatch %s -> %s in %s", actionName(action), result.Status, result.ExecutionTime)
	return result
}

func (d *Dispatcher) run(ctx context.Context, topic string, action types.Action) (string, error) {
	switch action.Type {
	case types.ActionRecall:
		return d.skills.Recall(ctx, argString(action.Args, "query"))
	case types.ActionMemorize:
		return d.skills.Memorize(topic,
			argString(action.Args, "key"),
			argString(action.Args, "value"),
			argFloat(action.Args, "confidence"))
	case types.ActionWorldUpdate:
		return d.skills.WorldUpdate(topic, argString(action.Args, "summary"))
	case types.ActionListConcepts:
		return d.skills.ListConcepts(argInt(action.Args, "limit"))
	case types.ActionExternalTool:
		if d.registry == nil {
			return "", fmt.Errorf("no tool servers configured")
		}
		return d.registry.Call(ctx, action.Tool, action.Args)
	default:
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (d *Dispatcher) record(action types.Action, result types.ActionResult) {
	if d.stats == nil {
		return
	}
	success := result.Status == types.ActionSuccess
	var err error
	if action.Type == types.ActionExternalTool {
		err = d.stats.RecordToolInvocation(action.Tool, success, result.ExecutionTime)
	} else {
		err = d.stats.RecordSkillOutcome(string(action.Type), success)
	}
	if err != nil {
		logging.Warn("cortex", "record outcome for %s: %v", actionName(action), err)
	}
}

// CostOf maps an action to its fatigue cost: external tools are the
// most expensive, read-only lookups the cheapest
func CostOf(action types.Action) float64 {
	switch action.Type {
	case types.ActionExternalTool:
		return 3.0
	case types.ActionRecall, types.ActionListConcepts:
		return 1.0
	default:
		return 1.5
	}
}

// isCardPayload detects structured visual results that should not get
// a textual follow-up
func isCardPayload(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, `{"card"`) || strings.HasPrefix(trimmed, `{"type":"card"`)
}

func actionName(a types.Action) string {
	if a.Type == types.ActionExternalTool {
		return a.Tool
	}
	return string(a.Type)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
