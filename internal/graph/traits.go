package graph

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

// Per-category linear decay per day. core never decays; comm style is
// maintained by EMA, not decay.
var traitDecayPerDay = map[types.TraitCategory]float64{
	types.TraitCore:            0.0,
	types.TraitPreference:      0.01,
	types.TraitPhysical:        0.005,
	types.TraitRelationship:    0.008,
	types.TraitGeneral:         0.015,
	types.TraitCommStyle:       0.0,
	types.TraitMicroPreference: 0.02,
}

// TraitConfidenceFloor is where a trait stops decaying and starts its
// deletion countdown
const TraitConfidenceFloor = 0.05

const traitColumns = `key, value, category, confidence, source, is_literal,
	reinforcement_count, last_reinforced_at, last_conflict_at, floor_since,
	embedding, created_at`

func scanTrait(row interface{ Scan(...any) error }) (*types.Trait, error) {
	var t types.Trait
	var category, source string
	var isLiteral int
	var conflictAt, floorSince sql.NullTime
	var embedding []byte

	err := row.Scan(&t.Key, &t.Value, &category, &t.Confidence, &source, &isLiteral,
		&t.ReinforcementCount, &t.LastReinforcedAt, &conflictAt, &floorSince,
		&embedding, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Category = types.TraitCategory(category)
	t.Source = types.TraitSource(source)
	t.IsLiteral = isLiteral != 0
	if conflictAt.Valid {
		v := conflictAt.Time
		t.LastConflictAt = &v
	}
	if floorSince.Valid {
		v := floorSince.Time
		t.FloorSince = &v
	}
	t.Embedding = unmarshalFloats(embedding)
	return &t, nil
}

// GetTrait returns one trait by key
func (g *DB) GetTrait(key string) (*types.Trait, error) {
	row := g.db.QueryRow(`SELECT `+traitColumns+` FROM user_traits WHERE key = ?`, key)
	t, err := scanTrait(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trait %q not found", key)
	}
	return t, err
}

// UpsertTrait writes a trait observation. Same key + same value
// reinforces (count up, confidence toward the max of old and new);
// same key + different value is a conflict: the value updates only
// when the new confidence beats the old, and last_conflict_at is
// stamped either way.
func (g *DB) UpsertTrait(obs types.TraitObservation, embedding []float64) (*types.Trait, error) {
	now := time.Now()
	existing, err := g.GetTrait(obs.Key)
	if err != nil {
		t := &types.Trait{
			Key:                obs.Key,
			Value:              obs.Value,
			Category:           obs.Category,
			Confidence:         clamp01(obs.Confidence),
			Source:             obs.Source,
			IsLiteral:          obs.IsLiteral,
			ReinforcementCount: 1,
			LastReinforcedAt:   now,
			Embedding:          embedding,
			CreatedAt:          now,
		}
		_, err := g.db.Exec(`
			INSERT INTO user_traits (key, value, category, confidence, source,
				is_literal, reinforcement_count, last_reinforced_at, embedding, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.Key, t.Value, string(t.Category), t.Confidence, string(t.Source),
			boolToInt(t.IsLiteral), t.ReinforcementCount, t.LastReinforcedAt,
			marshalJSON(t.Embedding), t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert trait: %w", err)
		}
		return t, nil
	}

	if existing.Value == obs.Value {
		existing.ReinforcementCount++
		existing.Confidence = clamp01(math.Max(existing.Confidence, obs.Confidence) + 0.05)
		existing.LastReinforcedAt = now
		existing.FloorSince = nil
	} else {
		existing.LastConflictAt = &now
		if obs.Confidence > existing.Confidence {
			existing.Value = obs.Value
			existing.Confidence = clamp01(obs.Confidence)
			existing.Source = obs.Source
			existing.IsLiteral = obs.IsLiteral
			existing.ReinforcementCount = 1
			existing.LastReinforcedAt = now
			if len(embedding) > 0 {
				existing.Embedding = embedding
			}
		}
	}

	_, err = g.db.Exec(`
		UPDATE user_traits SET value = ?, confidence = ?, source = ?,
			is_literal = ?, reinforcement_count = ?, last_reinforced_at = ?,
			last_conflict_at = ?, floor_since = ?, embedding = ?
		WHERE key = ?`,
		existing.Value, existing.Confidence, string(existing.Source),
		boolToInt(existing.IsLiteral), existing.ReinforcementCount,
		existing.LastReinforcedAt, nullableTime(existing.LastConflictAt),
		nullableTime(existing.FloorSince), marshalJSON(existing.Embedding),
		existing.Key)
	if err != nil {
		return nil, fmt.Errorf("update trait: %w", err)
	}
	return existing, nil
}

// SetTraitValue writes a trait value directly (comm-style EMA merge)
func (g *DB) SetTraitValue(key, value string, category types.TraitCategory, confidence float64) error {
	now := time.Now()
	_, err := g.db.Exec(`
		INSERT INTO user_traits (key, value, category, confidence, source,
			is_literal, reinforcement_count, last_reinforced_at, created_at)
		VALUES (?,?,?,?,'inferred',0,1,?,?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			reinforcement_count = reinforcement_count + 1,
			last_reinforced_at = excluded.last_reinforced_at`,
		key, value, string(category), clamp01(confidence), now, now)
	return err
}

// AllTraits returns every stored trait
func (g *DB) AllTraits() ([]*types.Trait, error) {
	rows, err := g.db.Query(`SELECT ` + traitColumns + ` FROM user_traits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Trait
	for rows.Next() {
		t, err := scanTrait(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ConfidentTraits returns traits at or above minConfidence
func (g *DB) ConfidentTraits(minConfidence float64) ([]*types.Trait, error) {
	rows, err := g.db.Query(`SELECT `+traitColumns+` FROM user_traits WHERE confidence >= ?`, minConfidence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Trait
	for rows.Next() {
		t, err := scanTrait(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// DecayTraits applies per-category linear decay scaled by elapsed
// days, damped by reinforcement (1/log2(count+1)), with inferred
// sources decaying 1.5x faster. A trait held at the confidence floor
// for floorDays is deleted. Returns (decayed, deleted).
func (g *DB) DecayTraits(now time.Time, elapsed time.Duration, floorDays int) (int, int, error) {
	traits, err := g.AllTraits()
	if err != nil {
		return 0, 0, err
	}

	days := elapsed.Hours() / 24
	decayed, deleted := 0, 0
	for _, t := range traits {
		rate, ok := traitDecayPerDay[t.Category]
		if !ok {
			rate = traitDecayPerDay[types.TraitGeneral]
		}
		if rate == 0 {
			continue
		}

		resistance := 1.0 / math.Log2(float64(t.ReinforcementCount)+1)
		if t.ReinforcementCount == 0 {
			resistance = 1.0
		}
		step := rate * days * resistance
		if t.Source == types.TraitInferred {
			step *= 1.5
		}

		next := t.Confidence - step
		if next <= TraitConfidenceFloor {
			next = TraitConfidenceFloor
			if t.FloorSince == nil {
				g.db.Exec(`UPDATE user_traits SET confidence = ?, floor_since = ? WHERE key = ?`,
					next, now, t.Key)
				decayed++
				continue
			}
			if now.Sub(*t.FloorSince) >= time.Duration(floorDays)*24*time.Hour {
				g.db.Exec(`DELETE FROM user_traits WHERE key = ?`, t.Key)
				deleted++
				continue
			}
		}

		if next != t.Confidence {
			g.db.Exec(`UPDATE user_traits SET confidence = ? WHERE key = ?`, next, t.Key)
			decayed++
		}
	}
	return decayed, deleted, nil
}

// TraitCount returns the number of stored traits
func (g *DB) TraitCount() (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM user_traits`).Scan(&n)
	return n, err
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
