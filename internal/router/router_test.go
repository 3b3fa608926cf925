package router

import (
	"testing"

	"github.com/chalie-ai/chalie/internal/types"
)

type fakeRecorder struct {
	decisions []types.ModeDecision
}

func (f *fakeRecorder) LogRoutingDecision(d types.ModeDecision, _ types.Signals) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func TestCancelOverridesToAcknowledge(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent:           types.Intent{Type: types.IntentCancel, IsCancel: true},
		MaxToolRelevance: 0.9,
		MessageWordCount: 4,
	})
	if d.Mode != types.ModeAcknowledge {
		t.Errorf("got %s, want ACKNOWLEDGE", d.Mode)
	}
	if d.Confidence != 0.95 {
		t.Errorf("confidence %f, want 0.95", d.Confidence)
	}
}

func TestSelfResolvedOverridesToAcknowledge(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent: types.Intent{Type: types.IntentSelfResolved, IsSelfResolved: true},
	})
	if d.Mode != types.ModeAcknowledge {
		t.Errorf("got %s, want ACKNOWLEDGE", d.Mode)
	}
}

func TestEmptyInputRoutesIgnore(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{MessageWordCount: 0})
	if d.Mode != types.ModeIgnore {
		t.Errorf("got %s, want IGNORE", d.Mode)
	}
}

func TestQuestionOnWarmContextRoutesRespond(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent:           types.Intent{Type: types.IntentQuestion, Confidence: 0.9, Complexity: 0.2},
		ContextWarmth:    0.8,
		TopicConfidence:  0.8,
		MessageWordCount: 7,
	})
	if d.Mode != types.ModeRespond {
		t.Errorf("got %s, want RESPOND (%s)", d.Mode, d.Rationale)
	}
}

func TestToolNeedRoutesAct(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent:           types.Intent{Type: types.IntentRequest, Confidence: 0.85, NeedsTools: true},
		MaxToolRelevance: 0.9,
		TopicConfidence:  0.7,
		MessageWordCount: 6,
	})
	if d.Mode != types.ModeAct {
		t.Errorf("got %s, want ACT (%s)", d.Mode, d.Rationale)
	}
	if d.TiebreakerUsed {
		t.Error("clear winner should not report a tiebreak")
	}
}

func TestExcludeActSuppressesAct(t *testing.T) {
	r := New(nil)
	signals := types.Signals{
		Intent:           types.Intent{Type: types.IntentRequest, Confidence: 0.85, NeedsTools: true},
		MaxToolRelevance: 0.9,
		TopicConfidence:  0.7,
		MessageWordCount: 6,
		ExcludeAct:       true,
	}
	d := r.Route(signals)
	if d.Mode == types.ModeAct {
		t.Error("ACT must not win after a terminal ACT pass")
	}
}

func TestPreviousActWithStaleToolNeedSuppressesAct(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent:           types.Intent{Type: types.IntentRequest, Confidence: 0.85, NeedsTools: true},
		MaxToolRelevance: 0.3,
		TopicConfidence:  0.8,
		MessageWordCount: 6,
		PreviousMode:     types.ModeAct,
	})
	if d.Mode == types.ModeAct {
		t.Errorf("got ACT with stale tool relevance (%s)", d.Rationale)
	}
}

func TestSocialWindDownRoutesAcknowledge(t *testing.T) {
	r := New(nil)
	d := r.Route(types.Signals{
		Intent:           types.Intent{Type: types.IntentSocial, Confidence: 0.85},
		MessageWordCount: 2,
		ReplyLengthTrend: 0.3,
	})
	if d.Mode != types.ModeAcknowledge {
		t.Errorf("got %s, want ACKNOWLEDGE (%s)", d.Mode, d.Rationale)
	}
}

func TestTiebreakIsDeterministic(t *testing.T) {
	r := New(nil)
	// RESPOND and ACT land on the same score; priority picks ACT
	signals := types.Signals{
		Intent:           types.Intent{Type: types.IntentStatement, Confidence: 0.6},
		MaxToolRelevance: 0.75,
		TopicConfidence:  0.8,
		MessageWordCount: 8,
	}
	first := r.Route(signals)
	if !first.TiebreakerUsed {
		t.Fatalf("margin inside the delta should record a tiebreak (%s)", first.Rationale)
	}
	if first.Mode != types.ModeAct {
		t.Errorf("priority should favor ACT, got %s", first.Mode)
	}
	for i := 0; i < 20; i++ {
		if d := r.Route(signals); d.Mode != first.Mode {
			t.Fatalf("run %d flipped to %s", i, d.Mode)
		}
	}
}

func TestDecisionsAreRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec)
	r.Route(types.Signals{MessageWordCount: 3, Intent: types.Intent{Type: types.IntentStatement}})
	if len(rec.decisions) != 1 {
		t.Fatalf("recorded %d decisions, want 1", len(rec.decisions))
	}
}
