package classify

import (
	"testing"

	"github.com/chalie-ai/chalie/internal/types"
)

func TestClassifyIntentCancel(t *testing.T) {
	intent := ClassifyIntent("actually never mind, I'll do it myself")
	if !intent.IsCancel || intent.Type != types.IntentCancel {
		t.Errorf("got %+v, want cancel", intent)
	}
	if intent.Confidence != 0.9 {
		t.Errorf("confidence %f", intent.Confidence)
	}
}

func TestClassifyIntentSelfResolved(t *testing.T) {
	intent := ClassifyIntent("oh wait, I figured it out")
	if !intent.IsSelfResolved || intent.Type != types.IntentSelfResolved {
		t.Errorf("got %+v, want self_resolved", intent)
	}
}

func TestClassifyIntentCancelBeatsSelfResolved(t *testing.T) {
	intent := ClassifyIntent("never mind, I figured it out")
	if !intent.IsCancel {
		t.Error("cancel phrases take priority")
	}
}

func TestClassifyIntentSocialGreeting(t *testing.T) {
	intent := ClassifyIntent("hey there!")
	if intent.Type != types.IntentSocial {
		t.Errorf("got %s, want social", intent.Type)
	}
}

func TestClassifyIntentLongGreetingIsNotSocial(t *testing.T) {
	intent := ClassifyIntent("hey so I was wondering about that thing we discussed last week sometime")
	if intent.Type == types.IntentSocial {
		t.Error("long messages must not classify as social")
	}
}

func TestClassifyIntentQuestion(t *testing.T) {
	intent := ClassifyIntent("what time does the store close?")
	if intent.Type != types.IntentQuestion {
		t.Errorf("got %s, want question", intent.Type)
	}
	if intent.Confidence != 0.9 {
		t.Errorf("interrogative lead plus question mark: confidence %f, want 0.9", intent.Confidence)
	}
}

func TestClassifyIntentQuestionMarkOnly(t *testing.T) {
	intent := ClassifyIntent("the store closes at nine?")
	if intent.Type != types.IntentQuestion || intent.Confidence != 0.8 {
		t.Errorf("got %+v", intent)
	}
}

func TestClassifyIntentRequestWithImperative(t *testing.T) {
	intent := ClassifyIntent("check the forecast for tomorrow")
	if intent.Type != types.IntentRequest {
		t.Errorf("got %s, want request", intent.Type)
	}
	if !intent.NeedsTools {
		t.Error("forecast keyword should set NeedsTools")
	}
}

func TestClassifyIntentStatementDefault(t *testing.T) {
	intent := ClassifyIntent("I had a pretty long day at the office")
	if intent.Type != types.IntentStatement || intent.Confidence != 0.6 {
		t.Errorf("got %+v", intent)
	}
}

func TestClassifyIntentRegister(t *testing.T) {
	if got := ClassifyIntent("lol yeah that was wild").Register; got != "casual" {
		t.Errorf("casual: got %s", got)
	}
	if got := ClassifyIntent("Regarding the contract, kindly review section two").Register; got != "formal" {
		t.Errorf("formal: got %s", got)
	}
	if got := ClassifyIntent("the meeting moved to tuesday").Register; got != "neutral" {
		t.Errorf("neutral: got %s", got)
	}
}

func TestComplexityBounds(t *testing.T) {
	short := ClassifyIntent("ok")
	if short.Complexity > 0.2 {
		t.Errorf("short message complexity %f", short.Complexity)
	}
	long := ClassifyIntent("I need to plan the move, and pack the kitchen, and call the movers, " +
		"and cancel the utilities, and forward the mail, and clean the old place, and return the keys, " +
		"and also somehow keep working full time during all of this, which worries me quite a bit honestly")
	if long.Complexity != 1.0 {
		t.Errorf("long message complexity %f, want capped at 1", long.Complexity)
	}
}

func TestToolHintsDeduplicated(t *testing.T) {
	intent := ClassifyIntent("what's the weather forecast like")
	count := 0
	for _, h := range intent.ToolHints {
		if h == "weather" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("weather hint appears %d times, want 1", count)
	}
}
