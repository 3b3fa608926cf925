package memory

import (
	"testing"
	"time"
)

func TestTTLMapSetGet(t *testing.T) {
	m := NewTTLMap()
	m.Set("k", "v", time.Minute)

	v, ok := m.Get("k")
	if !ok || v.(string) != "v" {
		t.Fatalf("got %v, %v", v, ok)
	}
}

func TestTTLMapExpiry(t *testing.T) {
	m := NewTTLMap()
	m.Set("k", 1, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := m.Get("k"); ok {
		t.Error("expired key still readable")
	}
}

func TestTTLMapNoExpiry(t *testing.T) {
	m := NewTTLMap()
	m.Set("k", 1, 0)

	if _, ok := m.Get("k"); !ok {
		t.Error("unbounded key should not expire")
	}
	if ttl := m.TTL("k"); ttl != 0 {
		t.Errorf("unbounded TTL: got %v, want 0", ttl)
	}
}

func TestTTLMapSetTTLShortens(t *testing.T) {
	m := NewTTLMap()
	m.Set("k", 1, time.Hour)
	m.SetTTL("k", time.Minute)

	if ttl := m.TTL("k"); ttl > time.Minute {
		t.Errorf("TTL not shortened: %v", ttl)
	}
}

func TestTTLMapSweep(t *testing.T) {
	m := NewTTLMap()
	m.Set("live", 1, time.Hour)
	m.Set("dead", 1, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	if removed := m.Sweep(); removed != 1 {
		t.Errorf("swept %d, want 1", removed)
	}
	if keys := m.Keys(); len(keys) != 1 || keys[0] != "live" {
		t.Errorf("keys after sweep: %v", keys)
	}
}

func TestTTLMapGetString(t *testing.T) {
	m := NewTTLMap()
	m.Set("s", "hello", 0)
	m.Set("n", 42, 0)

	if got := m.GetString("s"); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := m.GetString("n"); got != "" {
		t.Errorf("non-string value: got %q, want empty", got)
	}
}
