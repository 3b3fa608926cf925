package graph

import (
	"math"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

func TestInteractionLog(t *testing.T) {
	db := setupTestDB(t)

	if ts, _ := db.LastInteraction("user_input"); !ts.IsZero() {
		t.Error("empty log should return zero time")
	}

	db.LogInteraction("user_input", "work", "", 12)
	db.LogInteraction("proactive", "garden", "reflection", 40)

	ts, err := db.LastInteraction("user_input")
	if err != nil || ts.IsZero() {
		t.Errorf("last user_input: %v %v", ts, err)
	}
	if ts2, _ := db.LastInteraction("system_response"); !ts2.IsZero() {
		t.Error("kind filter leaked")
	}
}

func TestRecentUserWordCountsNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	for _, wc := range []int{10, 20, 30} {
		db.LogInteraction("user_input", "work", "", wc)
	}
	db.LogInteraction("proactive", "work", "", 99)

	counts, err := db.RecentUserWordCounts(2)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 2 || counts[0] != 30 || counts[1] != 20 {
		t.Errorf("got %v, want [30 20]", counts)
	}
}

func TestTopicSeenCount(t *testing.T) {
	db := setupTestDB(t)
	db.LogInteraction("user_input", "garden", "", 5)
	db.LogInteraction("user_input", "garden", "", 5)
	db.LogInteraction("user_input", "work", "", 5)
	db.LogInteraction("proactive", "garden", "", 5)

	n, err := db.TopicSeenCount("garden", time.Now().Add(-time.Hour).UTC())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d, want 2 user inputs on topic", n)
	}
}

func TestSkillSuccessRate(t *testing.T) {
	db := setupTestDB(t)

	if rate, _ := db.SkillSuccessRate("recall"); rate != 0 {
		t.Errorf("unused skill rate %f, want 0", rate)
	}

	db.RecordSkillOutcome("recall", true)
	db.RecordSkillOutcome("recall", true)
	db.RecordSkillOutcome("recall", false)

	rate, err := db.SkillSuccessRate("recall")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if math.Abs(rate-2.0/3.0) > 1e-9 {
		t.Errorf("rate %f, want 2/3", rate)
	}
}

func TestCycleDefaults(t *testing.T) {
	db := setupTestDB(t)

	c := &types.Cycle{Type: types.CycleUserInput, Topic: "work"}
	if err := db.CreateCycle(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := db.GetCycle(c.CycleID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RootCycleID != c.CycleID {
		t.Errorf("root %s, want own ID for parentless cycles", got.RootCycleID)
	}
	if got.Status != types.CycleProcessing {
		t.Errorf("status %s, want processing", got.Status)
	}

	// A child inherits the parent's root
	child := &types.Cycle{Type: types.CycleToolWork, ParentCycleID: c.CycleID}
	db.CreateCycle(child)
	gotChild, _ := db.GetCycle(child.CycleID)
	if gotChild.RootCycleID != c.CycleID {
		t.Errorf("child root %s, want parent's root", gotChild.RootCycleID)
	}
}

func TestActiveToolCycles(t *testing.T) {
	db := setupTestDB(t)
	active := &types.Cycle{Type: types.CycleToolWork, Topic: "work"}
	db.CreateCycle(active)
	finished := &types.Cycle{Type: types.CycleToolWork, Topic: "work"}
	db.CreateCycle(finished)
	db.SetCycleStatus(finished.CycleID, types.CycleCompleted)
	db.CreateCycle(&types.Cycle{Type: types.CycleToolWork, Topic: "garden"})

	got, err := db.ActiveToolCycles("work")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(got) != 1 || got[0].CycleID != active.CycleID {
		t.Errorf("got %d cycles, want just the processing one", len(got))
	}
}

func TestLastTerminationReason(t *testing.T) {
	db := setupTestDB(t)

	if reason, _ := db.LastTerminationReason("c1"); reason != "" {
		t.Errorf("no rows should give empty reason, got %q", reason)
	}

	db.LogIteration(IterationRecord{CycleID: "c1", Iteration: 0, Mode: types.ModeAct})
	db.LogIteration(IterationRecord{CycleID: "c1", Iteration: 1, Mode: types.ModeAct,
		TerminationReason: "no_actions"})

	reason, err := db.LastTerminationReason("c1")
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if reason != "no_actions" {
		t.Errorf("got %q, want newest row's reason", reason)
	}
}

func TestCuriosityThreadLifecycle(t *testing.T) {
	db := setupTestDB(t)

	th := &types.CuriosityThread{SeedConcept: "composting", SeedTopic: "garden", Content: "worth exploring"}
	if err := db.CreateCuriosityThread(th); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, _ := db.ActiveCuriosityThreads()
	if len(active) != 1 || active[0].SeedConcept != "composting" {
		t.Fatalf("active %d, want 1", len(active))
	}

	n, err := db.ExpireCuriosityThreads(time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expired %d (%v), want 1", n, err)
	}
	active, _ = db.ActiveCuriosityThreads()
	if len(active) != 0 {
		t.Errorf("expired thread still active")
	}
}
