package memory

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

func newTestThreadStore(t *testing.T) *ThreadStore {
	t.Helper()
	return NewThreadStore(filepath.Join(t.TempDir(), "threads.json"))
}

func TestSelectOrCreateReusesActiveThread(t *testing.T) {
	s := newTestThreadStore(t)

	a := s.SelectOrCreate("owner", "dm", "cli")
	b := s.SelectOrCreate("owner", "dm", "cli")
	if a.ID != b.ID {
		t.Error("second select should reuse the active thread")
	}

	c := s.SelectOrCreate("owner", "other", "cli")
	if c.ID == a.ID {
		t.Error("different channel must get its own thread")
	}
}

func TestSelectOrCreateAfterExpiry(t *testing.T) {
	s := newTestThreadStore(t)
	a := s.SelectOrCreate("owner", "dm", "cli")
	if !s.Expire(a.ID) {
		t.Fatal("expire failed")
	}
	b := s.SelectOrCreate("owner", "dm", "cli")
	if b.ID == a.ID {
		t.Error("expired thread must not be reselected")
	}
}

func TestTouchRecordsTopicHistory(t *testing.T) {
	s := newTestThreadStore(t)
	th := s.SelectOrCreate("owner", "dm", "cli")

	s.Touch(th.ID, "work")
	s.Touch(th.ID, "work")
	s.Touch(th.ID, "travel")

	got, _ := s.Get(th.ID)
	if got.CurrentTopic != "travel" {
		t.Errorf("current topic %q", got.CurrentTopic)
	}
	if len(got.TopicHistory) != 2 {
		t.Errorf("topic history %v, want [work travel]", got.TopicHistory)
	}
}

func TestSetMemoryChunkOnlyOnce(t *testing.T) {
	s := newTestThreadStore(t)
	th := s.SelectOrCreate("owner", "dm", "cli")
	ex := &types.Exchange{ThreadID: th.ID, PromptText: "hi"}
	s.AppendExchange(ex)

	if err := s.SetMemoryChunk(ex.ID, &types.MemoryChunk{}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	err := s.SetMemoryChunk(ex.ID, &types.MemoryChunk{})
	if !errors.Is(err, ErrChunkAlreadySet) {
		t.Errorf("second chunk: got %v, want ErrChunkAlreadySet", err)
	}
}

func TestEnrichedAndConsumeExchanges(t *testing.T) {
	s := newTestThreadStore(t)
	th := s.SelectOrCreate("owner", "dm", "cli")

	a := &types.Exchange{ThreadID: th.ID, PromptText: "one"}
	b := &types.Exchange{ThreadID: th.ID, PromptText: "two"}
	c := &types.Exchange{ThreadID: th.ID, PromptText: "three"}
	s.AppendExchange(a)
	s.AppendExchange(b)
	s.AppendExchange(c)

	s.SetMemoryChunk(a.ID, &types.MemoryChunk{})
	s.SetMemoryChunk(c.ID, &types.MemoryChunk{})

	enriched := s.EnrichedExchanges(th.ID)
	if len(enriched) != 2 {
		t.Fatalf("got %d enriched, want 2", len(enriched))
	}

	consumed := s.ConsumeExchanges(th.ID, []string{a.ID, c.ID})
	if len(consumed) != 2 {
		t.Fatalf("consumed %d, want 2", len(consumed))
	}
	if len(s.EnrichedExchanges(th.ID)) != 0 {
		t.Error("consumed exchanges still enriched")
	}
	// The un-chunked exchange survives
	if _, ok := s.Exchange(b.ID); !ok {
		t.Error("unconsumed exchange lost")
	}
}

func TestIdleActiveThreads(t *testing.T) {
	s := newTestThreadStore(t)
	th := s.SelectOrCreate("owner", "dm", "cli")

	if n := len(s.IdleActiveThreads(time.Now().Add(-time.Hour))); n != 0 {
		t.Errorf("fresh thread counted idle: %d", n)
	}
	if n := len(s.IdleActiveThreads(time.Now().Add(time.Hour))); n != 1 {
		t.Errorf("thread should be idle against a future cutoff: %d", n)
	}

	s.Expire(th.ID)
	if n := len(s.IdleActiveThreads(time.Now().Add(time.Hour))); n != 0 {
		t.Errorf("expired thread counted idle: %d", n)
	}
}

func TestThreadStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	s := NewThreadStore(path)
	th := s.SelectOrCreate("owner", "dm", "cli")
	s.AppendExchange(&types.Exchange{ThreadID: th.ID, PromptText: "hello"})
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	s2 := NewThreadStore(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := s2.Get(th.ID)
	if !ok || got.ExchangeCount != 1 {
		t.Errorf("round trip lost thread: %+v", got)
	}
}
