package graph

import (
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	// Reopening replays nothing: every migration is recorded
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db2.Close()

	var n int
	if err := db2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrations) {
		t.Errorf("applied %d migrations, want %d", n, len(migrations))
	}
}

func TestNormalizeFloat32(t *testing.T) {
	out := normalizeFloat32([]float32{3, 4})
	if out[0] != 0.6 || out[1] != 0.8 {
		t.Errorf("got %v, want unit vector", out)
	}
	zero := normalizeFloat32([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector must pass through, got %v", zero)
	}
}

func TestL2ToCosineSim(t *testing.T) {
	if got := l2ToCosineSim(0); got != 1.0 {
		t.Errorf("identical vectors: %f", got)
	}
	// Orthogonal unit vectors are sqrt(2) apart
	if got := l2ToCosineSim(1.4142135623730951); got > 1e-9 || got < -1e-9 {
		t.Errorf("orthogonal vectors: %f, want 0", got)
	}
}
