package graph

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// StrengthFloor is the minimum semantic concept strength
const StrengthFloor = 0.2

const conceptColumns = `id, name, definition, strength, decay_resistance,
	access_count, last_accessed_at, embedding, created_at`

func scanConcept(row interface{ Scan(...any) error }) (*types.Concept, error) {
	var c types.Concept
	var embedding []byte
	err := row.Scan(&c.ID, &c.Name, &c.Definition, &c.Strength, &c.DecayResistance,
		&c.AccessCount, &c.LastAccessedAt, &embedding, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Embedding = unmarshalFloats(embedding)
	return &c, nil
}

// UpsertConcept creates a concept or merges into an existing one of
// the same name: strength is reinforced, the definition refreshed,
// and the embedding replaced when supplied.
func (g *DB) UpsertConcept(c *types.Concept) (*types.Concept, error) {
	row := g.db.QueryRow(`SELECT `+conceptColumns+` FROM semantic_concepts WHERE name = ?`, c.Name)
	existing, err := scanConcept(row)
	if err == sql.ErrNoRows {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		now := time.Now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.LastAccessedAt.IsZero() {
			c.LastAccessedAt = now
		}
		if c.Strength < StrengthFloor {
			c.Strength = StrengthFloor
		}
		if c.Strength > 1.0 {
			c.Strength = 1.0
		}
		_, err := g.db.Exec(`
			INSERT INTO semantic_concepts (id, name, definition, strength,
				decay_resistance, access_count, last_accessed_at, embedding, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Name, c.Definition, c.Strength, c.DecayResistance,
			c.AccessCount, c.LastAccessedAt, marshalJSON(c.Embedding), c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert concept: %w", err)
		}
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	existing.Strength = math.Min(1.0, existing.Strength+0.1)
	if c.Definition != "" {
		existing.Definition = c.Definition
	}
	if len(c.Embedding) > 0 {
		existing.Embedding = c.Embedding
	}
	existing.LastAccessedAt = time.Now()
	_, err = g.db.Exec(`
		UPDATE semantic_concepts SET definition = ?, strength = ?,
			embedding = ?, last_accessed_at = ?
		WHERE id = ?`,
		existing.Definition, existing.Strength, marshalJSON(existing.Embedding),
		existing.LastAccessedAt, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("merge concept: %w", err)
	}
	return existing, nil
}

// GetConcept returns a concept by name
func (g *DB) GetConcept(name string) (*types.Concept, error) {
	row := g.db.QueryRow(`SELECT `+conceptColumns+` FROM semantic_concepts WHERE name = ?`, name)
	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("concept %q not found", name)
	}
	return c, err
}

// BoostConceptAccess bumps access_count and recency for a concept.
// Used by REFLECT to reinforce associated concepts.
func (g *DB) BoostConceptAccess(name string) error {
	_, err := g.db.Exec(`
		UPDATE semantic_concepts SET access_count = access_count + 1,
			last_accessed_at = ? WHERE name = ?`, time.Now(), name)
	return err
}

// AddRelationship links two concepts by ID
func (g *DB) AddRelationship(fromID, toID, relation string, weight float64) error {
	_, err := g.db.Exec(`
		INSERT INTO semantic_relationships (id, from_id, to_id, relation, weight)
		VALUES (?,?,?,?,?)
		ON CONFLICT(from_id, to_id, relation) DO UPDATE SET weight = MAX(weight, excluded.weight)`,
		uuid.NewString(), fromID, toID, relation, weight)
	return err
}

// Neighbors returns concepts related to the given concept ID with
// their edge weights
func (g *DB) Neighbors(conceptID string) (map[string]float64, error) {
	rows, err := g.db.Query(`
		SELECT to_id, weight FROM semantic_relationships WHERE from_id = ?
		UNION ALL
		SELECT from_id, weight FROM semantic_relationships WHERE to_id = ?`,
		conceptID, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var weight float64
		if err := rows.Scan(&id, &weight); err != nil {
			continue
		}
		if weight > out[id] {
			out[id] = weight
		}
	}
	return out, nil
}

// NeighborNames returns the names of concepts related to the named
// concept, strongest edges first, up to limit
func (g *DB) NeighborNames(name string, limit int) ([]string, error) {
	rows, err := g.db.Query(`
		SELECT c.name FROM semantic_concepts c
		JOIN semantic_relationships r
			ON (r.to_id = c.id OR r.from_id = c.id)
		JOIN semantic_concepts seed
			ON (seed.id = r.from_id OR seed.id = r.to_id)
		WHERE seed.name = ? AND c.name != ?
		ORDER BY r.weight DESC LIMIT ?`, name, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// RecentConcepts returns the most recently accessed concepts
func (g *DB) RecentConcepts(limit int) ([]*types.Concept, error) {
	rows, err := g.db.Query(`
		SELECT `+conceptColumns+` FROM semantic_concepts
		ORDER BY last_accessed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// StrongConceptsNear counts concepts with strength >= minStrength
// whose embedding cosine to emb is at least minCos. Feeds the
// SEED_THREAD semantic-salience gate.
func (g *DB) StrongConceptsNear(emb []float64, minStrength, minCos float64) (int, error) {
	rows, err := g.db.Query(`
		SELECT embedding FROM semantic_concepts WHERE strength >= ?`, minStrength)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var embBytes []byte
		if err := rows.Scan(&embBytes); err != nil {
			continue
		}
		if textutil.Cosine(emb, unmarshalFloats(embBytes)) >= minCos {
			count++
		}
	}
	return count, nil
}

// DecayConcepts reduces strength of concepts not accessed since
// cutoff: strength -= lambda * (1 - decay_resistance), floored at 0.2
func (g *DB) DecayConcepts(cutoff time.Time, lambda float64) (int, error) {
	res, err := g.db.Exec(`
		UPDATE semantic_concepts
		SET strength = MAX(?, strength - ? * (1 - decay_resistance))
		WHERE last_accessed_at < ?`,
		StrengthFloor, lambda, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ConceptCount returns the number of stored concepts
func (g *DB) ConceptCount() (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM semantic_concepts`).Scan(&n)
	return n, err
}
