package graph

import (
	"database/sql"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// LogRoutingDecision persists one mode-router decision with enough
// context to replay it
func (g *DB) LogRoutingDecision(decision types.ModeDecision, signals types.Signals) error {
	_, err := g.db.Exec(`
		INSERT INTO routing_decisions (mode, confidence, tiebreaker, rationale, signals, previous_mode)
		VALUES (?,?,?,?,?,?)`,
		string(decision.Mode), decision.Confidence, boolToInt(decision.TiebreakerUsed),
		decision.Rationale, marshalJSON(signals), string(signals.PreviousMode))
	return err
}

// IterationRecord is one ACT loop iteration's log row
type IterationRecord struct {
	CycleID           string
	Iteration         int
	Mode              types.Mode
	Confidence        float64
	Actions           []types.ActionResult
	Fatigue           float64
	NetValue          float64
	Elapsed           time.Duration
	TerminationReason string
}

// LogIteration persists one ACT iteration record
func (g *DB) LogIteration(rec IterationRecord) error {
	_, err := g.db.Exec(`
		INSERT INTO cortex_iterations (cycle_id, iteration, mode, confidence,
			actions, fatigue, net_value, elapsed_ms, termination_reason)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.CycleID, rec.Iteration, string(rec.Mode), rec.Confidence,
		marshalJSON(rec.Actions), rec.Fatigue, rec.NetValue,
		rec.Elapsed.Milliseconds(), rec.TerminationReason)
	return err
}

// LastTerminationReason returns the newest iteration's termination
// reason for a cycle ("" when no row exists)
func (g *DB) LastTerminationReason(cycleID string) (string, error) {
	var reason sql.NullString
	err := g.db.QueryRow(`
		SELECT termination_reason FROM cortex_iterations
		WHERE cycle_id = ? ORDER BY id DESC LIMIT 1`, cycleID).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return reason.String, nil
}

// LogInteraction records a user_input / system_response / proactive
// event for the drift timing gates
func (g *DB) LogInteraction(kind, topic, detail string, wordCount int) error {
	_, err := g.db.Exec(`
		INSERT INTO interaction_log (kind, topic, detail, word_count)
		VALUES (?,?,?,?)`, kind, topic, detail, wordCount)
	return err
}

// LastInteraction returns the time of the newest interaction of the
// given kind (zero when none)
func (g *DB) LastInteraction(kind string) (time.Time, error) {
	var t sql.NullTime
	err := g.db.QueryRow(`
		SELECT created_at FROM interaction_log
		WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.Time, nil
}

// RecentUserWordCounts returns the word counts of the last n user
// inputs, newest first. Feeds the cognitive-load signal.
func (g *DB) RecentUserWordCounts(n int) ([]int, error) {
	rows, err := g.db.Query(`
		SELECT word_count FROM interaction_log
		WHERE kind = 'user_input' ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var wc int
		if err := rows.Scan(&wc); err != nil {
			continue
		}
		out = append(out, wc)
	}
	return out, nil
}

// TopicSeenCount counts user interactions on a topic since the cutoff.
// Feeds the PLAN recurrence gate.
func (g *DB) TopicSeenCount(topic string, since time.Time) (int, error) {
	var n int
	err := g.db.QueryRow(`
		SELECT COUNT(*) FROM interaction_log
		WHERE kind = 'user_input' AND topic = ? AND created_at >= ?`,
		topic, since).Scan(&n)
	return n, err
}

// RecordSkillOutcome updates procedural memory for an innate skill
func (g *DB) RecordSkillOutcome(name string, success bool) error {
	s, f := 0, 1
	if success {
		s, f = 1, 0
	}
	_, err := g.db.Exec(`
		INSERT INTO skill_stats (name, successes, failures, last_used_at)
		VALUES (?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			last_used_at = excluded.last_used_at`,
		name, s, f, time.Now())
	return err
}

// SkillSuccessRate returns successes/(successes+failures) for a skill
// (0 when unused)
func (g *DB) SkillSuccessRate(name string) (float64, error) {
	var s, f int
	err := g.db.QueryRow(`SELECT successes, failures FROM skill_stats WHERE name = ?`, name).Scan(&s, &f)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if s+f == 0 {
		return 0, nil
	}
	return float64(s) / float64(s+f), nil
}

// RecordToolInvocation updates per-tool performance for external tools
func (g *DB) RecordToolInvocation(name string, success bool, latency time.Duration) error {
	s := 0
	if success {
		s = 1
	}
	_, err := g.db.Exec(`
		INSERT INTO tool_stats (name, invocations, successes, total_latency_ms, last_used_at)
		VALUES (?,1,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			invocations = invocations + 1,
			successes = successes + excluded.successes,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms,
			last_used_at = excluded.last_used_at`,
		name, s, latency.Milliseconds(), time.Now())
	return err
}

// --- curiosity threads ---

// CreateCuriosityThread persists a SEED_THREAD result
func (g *DB) CreateCuriosityThread(t *types.CuriosityThread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastTouched.IsZero() {
		t.LastTouched = now
	}
	t.Active = true
	_, err := g.db.Exec(`
		INSERT INTO curiosity_threads (id, seed_concept, seed_topic, content,
			active, created_at, last_touched)
		VALUES (?,?,?,?,1,?,?)`,
		t.ID, t.SeedConcept, t.SeedTopic, t.Content, t.CreatedAt, t.LastTouched)
	return err
}

// ActiveCuriosityThreads returns all active curiosity threads
func (g *DB) ActiveCuriosityThreads() ([]*types.CuriosityThread, error) {
	rows, err := g.db.Query(`
		SELECT id, seed_concept, seed_topic, content, active, created_at, last_touched
		FROM curiosity_threads WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.CuriosityThread
	for rows.Next() {
		var t types.CuriosityThread
		var active int
		if err := rows.Scan(&t.ID, &t.SeedConcept, &t.SeedTopic, &t.Content,
			&active, &t.CreatedAt, &t.LastTouched); err != nil {
			continue
		}
		t.Active = active != 0
		out = append(out, &t)
	}
	return out, nil
}

// ExpireCuriosityThreads deactivates threads idle since cutoff
func (g *DB) ExpireCuriosityThreads(cutoff time.Time) (int, error) {
	res, err := g.db.Exec(`
		UPDATE curiosity_threads SET active = 0
		WHERE active = 1 AND last_touched < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// LogIdentityEvent records one identity vector change for audit
func (g *DB) LogIdentityEvent(vector, kind string, delta float64) error {
	_, err := g.db.Exec(`
		INSERT INTO identity_events (vector, kind, delta) VALUES (?,?,?)`,
		vector, kind, delta)
	return err
}
