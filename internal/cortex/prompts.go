package cortex

import (
	"fmt"
	"strings"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

// soulPrompt is the values block shared by every mode
const soulPrompt = `You are Chalie, a personal assistant who lives alongside one person.
You are honest, curious, and concise. You remember what matters and you
never pretend to know things you don't. You speak like a person, not a
product.`

// modeContracts are the per-mode instruction blocks appended after the
// soul and identity prompts
var modeContracts = map[types.Mode]string{
	types.ModeRespond: `Answer the user directly using the context provided. Be specific.
If memory context is relevant, weave it in naturally without announcing it.`,
	types.ModeClarify: `The request is ambiguous. Ask exactly one short clarifying question
that would let you act. Do not answer the original request yet.`,
	types.ModeAcknowledge: `Reply with a brief, warm acknowledgement. One or two sentences,
no new information, no questions.`,
	types.ModeIgnore: `Produce no user-facing content. Reply with an empty response.`,
}

// actContract drives the planning call. Identity is deliberately left
// out of the ACT prompt so tool selection stays unstyled.
const actContract = `You plan actions. Given the conversation context, available skills and
tools, and the results so far, reply with JSON only:
{"actions": [{"type": "<action type or external_tool>", "tool": "<tool name if external>", "args": {...}}]}
Return {"actions": []} when no further action would help.`

// followupContract renders a tool result back to the user
const followupContract = `Tool work you started earlier has finished. Summarize the result for
the user conversationally. Do not mention tools, jobs, or internal
machinery; just deliver the outcome.`

// fallbacks guarantee non-empty output per mode when the model
// returns nothing
var fallbacks = map[types.Mode]string{
	types.ModeRespond:     "I'm not sure how to answer that well. Could you say a bit more?",
	types.ModeClarify:     "Just to make sure I help with the right thing - what exactly did you mean?",
	types.ModeAcknowledge: "Got it.",
	types.ModeIgnore:      "",
}

// Fallback returns the guaranteed non-empty text for a terminal mode
// (empty only for IGNORE, which emits nothing by contract)
func Fallback(mode types.Mode) string {
	return fallbacks[mode]
}

// IdentityProvider supplies the voice directives for the identity
// block; ACT prompts skip it
type IdentityProvider interface {
	VoiceDirectives() []string
}

// PromptContext carries everything prompt assembly can draw on
type PromptContext struct {
	Topic      string
	Gists      []types.Gist
	Facts      string // preformatted fact lines
	WorldState string
	Turns      []types.Turn
	ActHistory []types.ActionResult
	Skills     map[string]string
	Tools      []types.ToolManifest
}

// TerminalPrompt assembles soul + identity + mode contract plus the
// retrieved context for one terminal LLM call
func TerminalPrompt(mode types.Mode, identity IdentityProvider, pc PromptContext) string {
	var b strings.Builder
	b.WriteString(soulPrompt)
	b.WriteString("\n\n")

	if identity != nil {
		if directives := identity.VoiceDirectives(); len(directives) > 0 {
			b.WriteString("Right now:\n")
			for _, d := range directives {
				b.WriteString("- " + d + "\n")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(modeContracts[mode])
	b.WriteString("\n")
	writeContext(&b, pc)

	if len(pc.ActHistory) > 0 {
		b.WriteString("\nResults of actions you already took:\n")
		b.WriteString(RenderActHistory(pc.ActHistory))
		b.WriteString("\n")
	}
	return b.String()
}

// FollowupPrompt assembles the tool-result re-entry prompt. Identity
// is included; classification context is not (the branch skips it).
func FollowupPrompt(identity IdentityProvider, actContext string) string {
	var b strings.Builder
	b.WriteString(soulPrompt)
	b.WriteString("\n\n")
	if identity != nil {
		if directives := identity.VoiceDirectives(); len(directives) > 0 {
			b.WriteString("Right now:\n")
			for _, d := range directives {
				b.WriteString("- " + d + "\n")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(followupContract)
	b.WriteString("\n\nWhat happened:\n")
	b.WriteString(actContext)
	return b.String()
}

// ActPrompt assembles the planning prompt: soul + contract + skills,
// tools, context, and the history of this loop's prior iterations
func ActPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString(soulPrompt)
	b.WriteString("\n\n")
	b.WriteString(actContract)
	b.WriteString("\n\nAvailable skills:\n")
	for name, desc := range pc.Skills {
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	if len(pc.Tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, t := range pc.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	writeContext(&b, pc)
	if len(pc.ActHistory) > 0 {
		b.WriteString("\nActions already taken this turn:\n")
		b.WriteString(RenderActHistory(pc.ActHistory))
		b.WriteString("\n")
	}
	return b.String()
}

func writeContext(b *strings.Builder, pc PromptContext) {
	if pc.Topic != "" {
		fmt.Fprintf(b, "\nCurrent topic: %s\n", pc.Topic)
	}
	if pc.WorldState != "" {
		fmt.Fprintf(b, "\nWhat's going on for the user:\n%s\n", pc.WorldState)
	}
	if len(pc.Gists) > 0 {
		b.WriteString("\nRecent context:\n")
		for _, g := range pc.Gists {
			fmt.Fprintf(b, "- [%s] %s\n", g.Type, g.Content)
		}
	}
	if pc.Facts != "" {
		b.WriteString("\nKnown facts:\n")
		b.WriteString(pc.Facts)
		b.WriteString("\n")
	}
	if len(pc.Turns) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, t := range pc.Turns {
			fmt.Fprintf(b, "%s: %s\n", t.Role, t.Content)
		}
	}
}

// RenderActHistory flattens action results into prompt-ready lines
func RenderActHistory(history []types.ActionResult) string {
	var b strings.Builder
	for _, r := range history {
		name := string(r.ActionType)
		if r.Tool != "" {
			name = r.Tool
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", name, r.Status, r.Result)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Template acknowledgements for the fast path; the reflective set is
// used when the top scorer is an innate skill
var (
	fastAcks = []string{
		"On it - give me a moment.",
		"Working on that now.",
		"Let me take care of that.",
	}
	reflectiveAcks = []string{
		"Let me think back on that.",
		"Give me a second to remember.",
		"Let me check what I know.",
	}
)

// FastAck picks a template acknowledgement; reflective phrasing when
// the work is memory-bound rather than tool-bound
func FastAck(reflective bool, seed int) string {
	pool := fastAcks
	if reflective {
		pool = reflectiveAcks
	}
	if seed < 0 {
		seed = -seed
	}
	return pool[seed%len(pool)]
}

// ProgressPhrase maps elapsed in-flight time onto one of three
// wait messages
func ProgressPhrase(elapsed time.Duration) string {
	switch {
	case elapsed < 15*time.Second:
		return "Still on it - almost there."
	case elapsed < 45*time.Second:
		return "This is taking a bit longer than expected, still working."
	default:
		return "Still working on your earlier request; I'll have something soon."
	}
}
