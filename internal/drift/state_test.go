package drift

import (
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/types"
)

func TestStoreSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	st := newStore(dir)
	st.update(func(s *state) {
		s.SparkPhase = types.PhaseExploratory
		s.EngagedCount = 4
		s.Backoff = 8
		s.DriftTopicCounts["garden"] = 3
	})

	st2 := newStore(dir)
	st2.read(func(s *state) {
		if s.SparkPhase != types.PhaseExploratory {
			t.Errorf("phase %s", s.SparkPhase)
		}
		if s.EngagedCount != 4 || s.Backoff != 8 {
			t.Errorf("engaged %d backoff %f", s.EngagedCount, s.Backoff)
		}
		if s.DriftTopicCounts["garden"] != 3 {
			t.Errorf("topic counts %v", s.DriftTopicCounts)
		}
	})
}

func TestNewStoreDefaults(t *testing.T) {
	st := newStore(t.TempDir())
	st.read(func(s *state) {
		if s.SparkPhase != types.PhaseFirstContact {
			t.Errorf("phase %s, want first_contact", s.SparkPhase)
		}
		if s.Backoff != 1.0 {
			t.Errorf("backoff %f, want 1", s.Backoff)
		}
	})
}

func TestPushCandidateCapsAndOrders(t *testing.T) {
	now := time.Now()
	var set []types.ProactiveCandidate
	for i, score := range []float64{0.3, 0.9, 0.6, 0.5} {
		set = pushCandidate(set, types.ProactiveCandidate{
			ID:        string(rune('a' + i)),
			Score:     score,
			CreatedAt: now,
		}, 3, now)
	}

	if len(set) != 3 {
		t.Fatalf("cap not enforced: %d", len(set))
	}
	if set[0].Score != 0.9 {
		t.Errorf("best first: got %f", set[0].Score)
	}
	for _, c := range set {
		if c.Score == 0.3 {
			t.Error("lowest score should have been dropped")
		}
	}
}

func TestPopBestSkipsFullyAged(t *testing.T) {
	now := time.Now()
	set := []types.ProactiveCandidate{
		{ID: "old", Score: 0.9, CreatedAt: now.Add(-2 * time.Hour), OriginalTTL: time.Hour},
		{ID: "fresh", Score: 0.4, CreatedAt: now, OriginalTTL: time.Hour},
	}

	best, rest, ok := popBest(set, now)
	if !ok || best.ID != "fresh" {
		t.Fatalf("got %q ok=%v, want fresh", best.ID, ok)
	}
	if len(rest) != 1 || rest[0].ID != "old" {
		t.Errorf("rest %+v", rest)
	}
}

func TestPopBestEmptyWhenAllAged(t *testing.T) {
	now := time.Now()
	set := []types.ProactiveCandidate{
		{ID: "old", Score: 0.9, CreatedAt: now.Add(-2 * time.Hour), OriginalTTL: time.Hour},
	}
	if _, _, ok := popBest(set, now); ok {
		t.Error("fully aged candidate should not pop")
	}
}

func TestCommunicateThresholdBootstrap(t *testing.T) {
	s := &state{ActivationSamples: make([]float64, bootstrapSamples-1)}
	if got := communicateThreshold(s); got != bootstrapThreshold {
		t.Errorf("bootstrap threshold %f, want %f", got, bootstrapThreshold)
	}
}

func TestCommunicateThresholdCalibrated(t *testing.T) {
	s := &state{}
	for i := 0; i < 30; i++ {
		s.ActivationSamples = append(s.ActivationSamples, 0.4)
	}
	want := 0.4 * thresholdScale
	if got := communicateThreshold(s); got != want {
		t.Errorf("calibrated threshold %f, want %f", got, want)
	}
}

func TestQuietHoursWrapsMidnight(t *testing.T) {
	e := &Engine{cfg: config.DriftConfig{QuietStart: 23, QuietEnd: 8}}

	cases := []struct {
		hour  int
		quiet bool
	}{
		{23, true},
		{2, true},
		{7, true},
		{8, false},
		{12, false},
		{22, false},
	}
	for _, c := range cases {
		now := time.Date(2026, 8, 24, c.hour, 30, 0, 0, time.Local)
		if got := e.quietHours(now); got != c.quiet {
			t.Errorf("hour %d: quiet=%v, want %v", c.hour, got, c.quiet)
		}
	}
}

func TestRollDayWindowResetsCounters(t *testing.T) {
	e := &Engine{store: newStore(t.TempDir())}
	e.store.update(func(s *state) {
		s.DayStart = time.Now().Add(-25 * time.Hour)
		s.TicksToday = 40
		s.ReflectsToday = 10
	})

	e.rollDayWindow(time.Now())

	e.store.read(func(s *state) {
		if s.TicksToday != 0 || s.ReflectsToday != 0 {
			t.Errorf("counters not reset: ticks %d reflects %d", s.TicksToday, s.ReflectsToday)
		}
	})
}
