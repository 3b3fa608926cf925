package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

func newTestGistStore(t *testing.T, cfg GistStoreConfig) *GistStore {
	t.Helper()
	return NewGistStore(filepath.Join(t.TempDir(), "gists.json"), cfg)
}

func TestStoreGistsDedupHigherConfidenceWins(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{JaccardThreshold: 0.7})

	s.StoreGists("work", []types.Gist{
		{Content: "user is planning a trip to japan", Type: types.GistIntent, Confidence: 5},
	})
	s.StoreGists("work", []types.Gist{
		{Content: "user is planning a trip to japan", Type: types.GistIntent, Confidence: 8},
	})

	gists := s.Gists("work")
	if len(gists) != 1 {
		t.Fatalf("got %d gists, want 1", len(gists))
	}
	if gists[0].Confidence != 8 {
		t.Errorf("confidence %f, want 8 (higher replaces)", gists[0].Confidence)
	}
}

func TestStoreGistsDedupLowerConfidenceDropped(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{JaccardThreshold: 0.7})

	s.StoreGists("work", []types.Gist{
		{Content: "user is planning a trip to japan", Type: types.GistIntent, Confidence: 8},
	})
	s.StoreGists("work", []types.Gist{
		{Content: "user is planning a trip to japan", Type: types.GistIntent, Confidence: 4},
	})

	gists := s.Gists("work")
	if len(gists) != 1 || gists[0].Confidence != 8 {
		t.Fatalf("duplicate should not displace higher confidence: %+v", gists)
	}
}

func TestStoreGistsConfidenceFloorWaivedWhenEmpty(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{MinConfidence: 3})

	s.StoreGists("work", []types.Gist{
		{Content: "weak first observation", Type: types.GistContext, Confidence: 1},
	})
	if len(s.Gists("work")) != 1 {
		t.Fatal("first observation should land despite confidence floor")
	}

	s.StoreGists("work", []types.Gist{
		{Content: "weak second observation entirely different words", Type: types.GistContext, Confidence: 1},
	})
	if len(s.Gists("work")) != 1 {
		t.Fatal("floor should apply once the topic is non-empty")
	}
}

func TestStoreGistsPerTypeCap(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{MaxPerType: 2})

	base := time.Now()
	s.StoreGists("work", []types.Gist{
		{Content: "alpha fact about deadlines", Type: types.GistFact, Confidence: 3, CreatedAt: base},
		{Content: "beta fact about meetings", Type: types.GistFact, Confidence: 9, CreatedAt: base.Add(time.Second)},
		{Content: "gamma fact about lunches", Type: types.GistFact, Confidence: 6, CreatedAt: base.Add(2 * time.Second)},
	})

	gists := s.Gists("work")
	if len(gists) != 2 {
		t.Fatalf("got %d facts, want 2 (per-type cap)", len(gists))
	}
	for _, g := range gists {
		if g.Confidence < 6 {
			t.Errorf("lowest-confidence gist should have been evicted, found %f", g.Confidence)
		}
	}
}

func TestGistsRefreshTTL(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{TTL: time.Hour})
	s.StoreGists("work", []types.Gist{{Content: "something", Type: types.GistFact, Confidence: 5}})

	if got := s.Gists("work"); len(got) != 1 {
		t.Fatalf("got %d gists", len(got))
	}
	if got := s.Gists("nope"); got != nil {
		t.Errorf("unknown topic: got %v", got)
	}
}

func TestInjectColdStartOnce(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{})

	if !s.InjectColdStart("fresh", []string{"I can remember things", "I can look things up"}) {
		t.Fatal("first injection should succeed")
	}
	if s.InjectColdStart("fresh", []string{"again"}) {
		t.Error("second injection should be a no-op")
	}
	if s.RealCount("fresh") != 0 {
		t.Error("cold-start gists must not count as real")
	}
	if len(s.Gists("fresh")) != 2 {
		t.Error("cold-start gists should still be readable")
	}
}

func TestInjectColdStartSkippedWhenTopicWarm(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{})
	s.StoreGists("warm", []types.Gist{{Content: "real content", Type: types.GistFact, Confidence: 5}})

	if s.InjectColdStart("warm", []string{"booster"}) {
		t.Error("cold start must not fire on a topic with gists")
	}
}

func TestLastExchangeRoundTrip(t *testing.T) {
	s := newTestGistStore(t, GistStoreConfig{})
	s.SetLastExchange("work", "we talked about the deadline")

	if got := s.LastExchange("work"); got != "we talked about the deadline" {
		t.Errorf("got %q", got)
	}
	if got := s.LastExchange("other"); got != "" {
		t.Errorf("unknown topic: got %q", got)
	}
}
