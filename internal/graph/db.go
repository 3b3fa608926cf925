// Package graph is the durable memory store: episodes, semantic
// concepts, user traits, identity vectors, reasoning cycles, and the
// operational logs, all in one SQLite database with sqlite-vec for
// embedding search.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/chalie-ai/chalie/internal/logging"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite connection for the memory store
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension in episode_vec (0 = not yet determined)
}

// Open opens or creates the memory database under statePath
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "system", "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	g := &DB{db: db, path: dbPath}

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("graph", "sqlite-vec not available: %v - falling back to full scan", err)
	} else {
		logging.Info("graph", "sqlite-vec %s loaded", vecVersion)
		g.vecAvailable = true
		if err := g.initVecTableFromEpisodes(); err != nil {
			logging.Warn("graph", "vec init: %v", err)
		}
	}

	return g, nil
}

// Close closes the database connection
func (g *DB) Close() error {
	return g.db.Close()
}

// migration is one named schema step. Names sort lexically and the
// applied set is recorded in schema_migrations.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"0001_episodes", `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		intent TEXT,
		context TEXT,
		action TEXT,
		emotion TEXT,
		outcome TEXT,
		gist TEXT NOT NULL,
		salience REAL NOT NULL DEFAULT 1.0,
		freshness_base REAL NOT NULL DEFAULT 1.0,
		embedding BLOB,
		topic TEXT,
		exchange_id TEXT,
		source TEXT,
		durability TEXT DEFAULT 'stable',
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		activation_score REAL NOT NULL DEFAULT 1.0,
		activation_base REAL NOT NULL DEFAULT 1.0,
		salience_factors TEXT,
		open_loops TEXT,
		semantic_consolidation_status TEXT,
		consolidation_attempts INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_topic ON episodes(topic);
	CREATE INDEX IF NOT EXISTS idx_episodes_consolidation ON episodes(semantic_consolidation_status);
	CREATE INDEX IF NOT EXISTS idx_episodes_last_accessed ON episodes(last_accessed_at);
	`},
	{"0002_semantic", `
	CREATE TABLE IF NOT EXISTS semantic_concepts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		definition TEXT,
		strength REAL NOT NULL DEFAULT 0.5,
		decay_resistance REAL NOT NULL DEFAULT 0.3,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME NOT NULL,
		embedding BLOB,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS semantic_relationships (
		id TEXT PRIMARY KEY,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0.5,
		FOREIGN KEY (from_id) REFERENCES semantic_concepts(id) ON DELETE CASCADE,
		FOREIGN KEY (to_id) REFERENCES semantic_concepts(id) ON DELETE CASCADE,
		UNIQUE(from_id, to_id, relation)
	);
	`},
	{"0003_traits", `
	CREATE TABLE IF NOT EXISTS user_traits (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		confidence REAL NOT NULL DEFAULT 0.5,
		source TEXT NOT NULL DEFAULT 'inferred',
		is_literal INTEGER NOT NULL DEFAULT 0,
		reinforcement_count INTEGER NOT NULL DEFAULT 0,
		last_reinforced_at DATETIME NOT NULL,
		last_conflict_at DATETIME,
		floor_since DATETIME,
		embedding BLOB,
		created_at DATETIME NOT NULL
	);
	`},
	{"0004_identity", `
	CREATE TABLE IF NOT EXISTS identity_vectors (
		name TEXT PRIMARY KEY,
		baseline REAL NOT NULL,
		activation REAL NOT NULL,
		plasticity_rate REAL NOT NULL,
		inertia_rate REAL NOT NULL,
		min_cap REAL NOT NULL,
		max_cap REAL NOT NULL,
		signal_history TEXT,
		reinforcement_count INTEGER NOT NULL DEFAULT 0,
		drift_today REAL NOT NULL DEFAULT 0,
		drift_window_start DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS identity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vector TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`},
	{"0005_cycles", `
	CREATE TABLE IF NOT EXISTS cycles (
		cycle_id TEXT PRIMARY KEY,
		parent_cycle_id TEXT,
		root_cycle_id TEXT NOT NULL,
		type TEXT NOT NULL,
		topic TEXT,
		status TEXT NOT NULL,
		prompt_text TEXT,
		embedding BLOB,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_topic_status ON cycles(topic, status);
	`},
	{"0006_oplog", `
	CREATE TABLE IF NOT EXISTS routing_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		confidence REAL NOT NULL,
		tiebreaker INTEGER NOT NULL DEFAULT 0,
		rationale TEXT,
		signals TEXT NOT NULL,
		previous_mode TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS cortex_iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		mode TEXT NOT NULL,
		confidence REAL,
		actions TEXT,
		fatigue REAL NOT NULL DEFAULT 0,
		net_value REAL,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS interaction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		topic TEXT,
		detail TEXT,
		word_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`},
	{"0007_skills_tools", `
	CREATE TABLE IF NOT EXISTS skill_stats (
		name TEXT PRIMARY KEY,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS tool_stats (
		name TEXT PRIMARY KEY,
		invocations INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		total_latency_ms INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME
	);
	`},
	{"0008_curiosity", `
	CREATE TABLE IF NOT EXISTS curiosity_threads (
		id TEXT PRIMARY KEY,
		seed_concept TEXT NOT NULL,
		seed_topic TEXT NOT NULL,
		content TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_touched DATETIME NOT NULL
	);
	`},
}

// migrate applies pending migrations in filename-sort order and
// records each applied name in schema_migrations
func (g *DB) migrate() error {
	if _, err := g.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := g.db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		tx, err := g.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(name) VALUES (?)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logging.Info("graph", "applied migration %s", m.name)
	}
	return nil
}

// --- embedding helpers (vec0 keyed by episodes.rowid) ---

func (g *DB) initVecTableFromEpisodes() error {
	var embBytes []byte
	err := g.db.QueryRow(`SELECT embedding FROM episodes WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no episodes with embeddings yet; defer to first insert
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return g.ensureVecTable(len(emb))
}

// ensureVecTable creates episode_vec for the given dimension and
// backfills existing rows. Idempotent for the same dim.
func (g *DB) ensureVecTable(dim int) error {
	if !g.vecAvailable {
		return nil
	}
	if g.vecDim == dim {
		return nil
	}
	if g.vecDim != 0 && g.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, g.vecDim)
	}

	_, err := g.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS episode_vec USING vec0(
			embedding float[%d],
			+episode_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create episode_vec(float[%d]): %w", dim, err)
	}
	g.vecDim = dim

	rows, err := g.db.Query(`SELECT rowid, id, embedding FROM episodes WHERE embedding IS NOT NULL AND deleted_at IS NULL`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	tx, err := g.db.Begin()
	if err != nil {
		return nil
	}
	count := 0
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
		if serErr != nil {
			continue
		}
		tx.Exec(`DELETE FROM episode_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO episode_vec(rowid, embedding, episode_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	tx.Commit()
	if count > 0 {
		logging.Info("graph", "vec backfill: indexed %d episodes (dim=%d)", count, dim)
	}
	return nil
}

func (g *DB) indexEpisodeVec(rowid int64, id string, emb []float64) {
	if !g.vecAvailable || len(emb) == 0 {
		return
	}
	if g.vecDim == 0 {
		if err := g.ensureVecTable(len(emb)); err != nil {
			return
		}
	}
	if len(emb) != g.vecDim {
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT
	g.db.Exec(`DELETE FROM episode_vec WHERE rowid = ?`, rowid)
	g.db.Exec(`INSERT INTO episode_vec(rowid, embedding, episode_id) VALUES (?, ?, ?)`, rowid, serialized, id)
}

func serializeFloat32(v []float32) ([]byte, error) {
	return sqlite_vec.SerializeFloat32(v)
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy: for unit vectors, L2
// distance is interchangeable with cosine distance
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

func marshalJSON(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalFloats(data []byte) []float64 {
	if len(data) == 0 {
		return nil
	}
	var out []float64
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
