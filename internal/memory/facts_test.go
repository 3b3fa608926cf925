package memory

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

func newTestFactStore(t *testing.T, ttl time.Duration) *FactStore {
	t.Helper()
	return NewFactStore(filepath.Join(t.TempDir(), "facts.json"), ttl)
}

func TestFactStoreInsertionOrder(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("work", types.Fact{Key: "deadline", Value: "friday"})
	s.Store("work", types.Fact{Key: "manager", Value: "dana"})

	facts := s.Facts("work")
	if len(facts) != 2 || facts[0].Key != "deadline" || facts[1].Key != "manager" {
		t.Errorf("got %v, want insertion order", facts)
	}
}

func TestFactStoreOverwriteKeepsPosition(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("work", types.Fact{Key: "deadline", Value: "friday"})
	s.Store("work", types.Fact{Key: "manager", Value: "dana"})
	s.Store("work", types.Fact{Key: "deadline", Value: "monday"})

	facts := s.Facts("work")
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}
	if facts[0].Key != "deadline" || facts[0].Value != "monday" {
		t.Errorf("overwrite moved or lost the fact: %v", facts)
	}
}

func TestFactStoreFormatted(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("work", types.Fact{Key: "deadline", Value: "friday", Confidence: 0.9})

	got := s.Formatted("work")
	if !strings.Contains(got, "deadline: friday (0.90)") {
		t.Errorf("formatted %q", got)
	}
	if s.Formatted("unknown") != "" {
		t.Error("unknown topic should format empty")
	}
}

func TestFactStoreExternalTopics(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("weather", types.Fact{Key: "today", Value: "sunny", Source: "external:weather"})
	s.Store("mixed", types.Fact{Key: "a", Value: "1", Source: "external:tool"})
	s.Store("mixed", types.Fact{Key: "b", Value: "2", Source: "conversation"})
	s.Store("chat", types.Fact{Key: "c", Value: "3", Source: "conversation"})

	got := s.ExternalTopics()
	if len(got) != 1 || got[0] != "weather" {
		t.Errorf("got %v, want only the fully external topic", got)
	}
}

func TestFactStoreShortenTTLExpires(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("weather", types.Fact{Key: "today", Value: "sunny", Source: "external:weather"})

	s.ShortenTTL("weather", 1e12, time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	if s.Count("weather") != 0 {
		t.Error("shortened topic should have expired")
	}

	// Factor at or below 1 is a no-op
	s.Store("work", types.Fact{Key: "k", Value: "v"})
	s.ShortenTTL("work", 1.0, time.Nanosecond)
	if s.Count("work") != 1 {
		t.Error("factor 1.0 must not shorten")
	}
}

func TestFactStoreSweep(t *testing.T) {
	s := newTestFactStore(t, time.Hour)
	s.Store("work", types.Fact{Key: "k", Value: "v"})
	s.ShortenTTL("work", 1e12, time.Nanosecond)
	time.Sleep(10 * time.Millisecond)

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("swept %d topics, want 1", removed)
	}
}

func TestFactStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.json")
	s := NewFactStore(path, time.Hour)
	s.Store("work", types.Fact{Key: "deadline", Value: "friday", Confidence: 0.8})
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	s2 := NewFactStore(path, time.Hour)
	if err := s2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if f, ok := s2.Get("work", "deadline"); !ok || f.Value != "friday" {
		t.Errorf("got %v %v after reload", f, ok)
	}
}
