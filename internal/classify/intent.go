package classify

import (
	"regexp"
	"strings"

	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
)

var (
	cancelPhrases = []string{
		"never mind", "nevermind", "cancel that", "cancel it", "forget it",
		"stop that", "stop it", "don't bother", "dont bother", "abort",
	}
	selfResolvedPhrases = []string{
		"figured it out", "found it", "got it working", "solved it",
		"fixed it", "sorted it", "worked it out", "no longer need",
	}
	socialPhrases = []string{
		"hi", "hello", "hey", "good morning", "good night", "goodnight",
		"thanks", "thank you", "thx", "lol", "haha", "bye", "see ya",
		"yo", "sup", "cheers",
	}
	requestLeads = []string{
		"can you", "could you", "would you", "will you", "please",
		"i need you to", "i want you to", "help me", "go ahead and",
	}
	imperativeVerbs = []string{
		"check", "find", "search", "look", "fetch", "get", "list", "show",
		"remind", "remember", "save", "add", "create", "update", "delete",
		"schedule", "send", "run", "summarize", "compare", "calculate",
	}
	interrogatives = []string{
		"what", "when", "where", "who", "why", "how", "which", "is", "are",
		"do", "does", "did", "can", "could", "should", "would", "will",
	}
	toolKeywords = map[string]string{
		"weather": "weather", "forecast": "weather",
		"remind": "reminders", "reminder": "reminders",
		"calendar": "calendar", "schedule": "calendar", "meeting": "calendar",
		"email": "email", "mail": "email",
		"search": "search", "news": "search",
		"remember": "recall", "recall": "recall", "forget": "recall",
	}
	formalMarkers = regexp.MustCompile(`\b(regarding|furthermore|therefore|kindly|pursuant|hereby)\b`)
	casualMarkers = regexp.MustCompile(`\b(lol|haha|gonna|wanna|kinda|yeah|nah|btw|omg)\b|!{2,}`)
)

// ClassifyIntent runs the rule-based intent classification. No model
// call; the whole thing is string matching over the lowered text.
func ClassifyIntent(text string) types.Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := textutil.WordCount(lower)

	intent := types.Intent{
		Type:       types.IntentStatement,
		Confidence: 0.6,
		Register:   registerOf(lower),
		Complexity: complexityOf(lower, words),
	}

	for _, p := range cancelPhrases {
		if strings.Contains(lower, p) {
			intent.Type = types.IntentCancel
			intent.IsCancel = true
			intent.Confidence = 0.9
			return intent
		}
	}
	for _, p := range selfResolvedPhrases {
		if strings.Contains(lower, p) {
			intent.Type = types.IntentSelfResolved
			intent.IsSelfResolved = true
			intent.Confidence = 0.85
			return intent
		}
	}

	intent.ToolHints = toolHints(lower)
	intent.NeedsTools = len(intent.ToolHints) > 0

	if isSocial(lower, words) {
		intent.Type = types.IntentSocial
		intent.Confidence = 0.85
		return intent
	}

	if strings.HasSuffix(lower, "?") || startsWithAny(lower, interrogatives) {
		intent.Type = types.IntentQuestion
		intent.Confidence = 0.8
		if strings.HasSuffix(lower, "?") && startsWithAny(lower, interrogatives) {
			intent.Confidence = 0.9
		}
		return intent
	}

	if startsWithAny(lower, requestLeads) || startsWithAny(lower, imperativeVerbs) {
		intent.Type = types.IntentRequest
		intent.Confidence = 0.8
		if !intent.NeedsTools {
			intent.NeedsTools = startsWithAny(lower, imperativeVerbs)
		}
		return intent
	}

	return intent
}

func isSocial(lower string, words int) bool {
	if words > 6 {
		return false
	}
	stripped := strings.Trim(lower, "!.? ")
	for _, p := range socialPhrases {
		if stripped == p || strings.HasPrefix(stripped, p+" ") {
			return true
		}
	}
	return false
}

func startsWithAny(lower string, prefixes []string) bool {
	for _, p := range prefixes {
		if lower == p || strings.HasPrefix(lower, p+" ") {
			return true
		}
	}
	return false
}

func toolHints(lower string) []string {
	seen := make(map[string]bool)
	var hints []string
	for keyword, hint := range toolKeywords {
		if strings.Contains(lower, keyword) && !seen[hint] {
			seen[hint] = true
			hints = append(hints, hint)
		}
	}
	return hints
}

// complexityOf maps message length and clause structure onto [0,1]
func complexityOf(lower string, words int) float64 {
	c := float64(words) / 40.0
	clauses := strings.Count(lower, ",") + strings.Count(lower, " and ") + strings.Count(lower, " but ")
	c += float64(clauses) * 0.1
	if c > 1 {
		c = 1
	}
	return c
}

func registerOf(lower string) string {
	switch {
	case casualMarkers.MatchString(lower):
		return "casual"
	case formalMarkers.MatchString(lower):
		return "formal"
	default:
		return "neutral"
	}
}
