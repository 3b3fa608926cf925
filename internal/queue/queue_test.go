package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(t.TempDir(), 5*time.Second)
}

func TestWorkerProcessesFIFO(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)

	var mu sync.Mutex
	var got []string
	w := NewWorker(r, "q", func(_ context.Context, job *Job) error {
		var s string
		if err := job.DecodePayload(&s); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	})

	for _, s := range []string{"one", "two", "three"} {
		if _, err := r.EnqueuePayload("q", s); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()
	w.Stop()

	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Errorf("processed %v, want FIFO order", got)
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	r := newTestRuntime(t)
	if _, err := r.EnqueuePayload("nope", "x"); err == nil {
		t.Error("enqueue on undeclared queue should fail")
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)
	r.Close()
	if _, err := r.EnqueuePayload("q", "x"); err == nil {
		t.Error("enqueue on closed queue should fail")
	}
}

func TestEnqueueFrontJumpsTheLine(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)

	r.EnqueuePayload("q", "second")
	job, _ := NewJob("q", "first")
	if err := r.EnqueueFront(job); err != nil {
		t.Fatalf("enqueue front: %v", err)
	}

	var mu sync.Mutex
	var got []string
	w := NewWorker(r, "q", func(_ context.Context, j *Job) error {
		var s string
		j.DecodePayload(&s)
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	})
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()
	w.Stop()

	if len(got) != 2 || got[0] != "first" {
		t.Errorf("processed %v, want front job first", got)
	}
}

func TestAllDrained(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)

	if !r.AllDrained() {
		t.Error("fresh runtime should be drained")
	}
	r.EnqueuePayload("q", "x")
	if r.AllDrained() {
		t.Error("queued job should block drained")
	}
}

func TestDepth(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)
	r.EnqueuePayload("q", "a")
	r.EnqueuePayload("q", "b")
	if d := r.Depth("q"); d != 2 {
		t.Errorf("depth %d, want 2", d)
	}
	if d := r.Depth("missing"); d != 0 {
		t.Errorf("missing queue depth %d, want 0", d)
	}
}

func TestReapOrphansRequeuesInProgress(t *testing.T) {
	dir := t.TempDir()
	r := NewRuntime(dir, time.Second)
	r.Declare("q", 0)

	// Simulate a crash: job handed out but never marked done
	r.EnqueuePayload("q", "crashy")
	blocked := make(chan struct{})
	w := NewWorker(r, "q", func(_ context.Context, _ *Job) error {
		close(blocked)
		select {} // never returns; registry keeps the job
	})
	w.Start()
	<-blocked
	time.Sleep(20 * time.Millisecond) // let markInProgress persist

	// New runtime over the same state dir sees the orphan
	r2 := NewRuntime(dir, time.Second)
	r2.Declare("q", 0)
	if n := r2.ReapOrphans(); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if d := r2.Depth("q"); d != 1 {
		t.Errorf("depth after reap %d, want 1", d)
	}

	// Second reap is a no-op: the registry was cleared
	r3 := NewRuntime(dir, time.Second)
	r3.Declare("q", 0)
	if n := r3.ReapOrphans(); n != 0 {
		t.Errorf("second reap got %d, want 0", n)
	}
}

func TestWorkerPanicRequeuesJob(t *testing.T) {
	r := newTestRuntime(t)
	r.Declare("q", 0)

	var mu sync.Mutex
	attempts := 0
	w := NewWorker(r, "q", func(_ context.Context, job *Job) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return nil
	})
	r.EnqueuePayload("q", "x")
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts %d, want 2 (panic requeues once)", attempts)
	}
}
