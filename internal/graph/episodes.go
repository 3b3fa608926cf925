package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/chalie-ai/chalie/internal/textutil"
	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// TouchIncrement is added to activation_score on every retrieval
const TouchIncrement = 0.1

// Durability multipliers applied to the episodic decay rate
var durabilityMultiplier = map[types.Durability]float64{
	types.DurabilityStable:    1.0,
	types.DurabilityEvolving:  1.5,
	types.DurabilityTransient: 2.0,
	types.DurabilityCronTool:  3.0,
}

// AddEpisode inserts an episode and indexes its embedding
func (g *DB) AddEpisode(ep *types.Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	now := time.Now()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	if ep.LastAccessedAt.IsZero() {
		ep.LastAccessedAt = ep.CreatedAt
	}
	if ep.Salience < 0.1 {
		ep.Salience = 0.1
	}
	if ep.Salience > 1.0 {
		ep.Salience = 1.0
	}
	if ep.ActivationScore == 0 {
		ep.ActivationScore = 1.0
	}
	if ep.Durability == "" {
		ep.Durability = types.DurabilityStable
	}
	ep.UpdatedAt = now

	res, err := g.db.Exec(`
		INSERT INTO episodes (
			id, intent, context, action, emotion, outcome, gist,
			salience, freshness_base, embedding, topic, exchange_id,
			source, durability, created_at, last_accessed_at,
			access_count, activation_score, activation_base,
			salience_factors, open_loops, semantic_consolidation_status,
			updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ep.ID, ep.Intent, ep.Context, ep.Action, ep.Emotion, ep.Outcome, ep.Gist,
		ep.Salience, ep.FreshnessBase, marshalJSON(ep.Embedding), ep.Topic, ep.ExchangeID,
		ep.Source, string(ep.Durability), ep.CreatedAt, ep.LastAccessedAt,
		ep.AccessCount, ep.ActivationScore, ep.ActivationScore,
		marshalJSON(ep.SalienceFactors), marshalJSON(ep.OpenLoops), string(ep.Consolidation),
		ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	if rowid, err := res.LastInsertId(); err == nil {
		g.indexEpisodeVec(rowid, ep.ID, ep.Embedding)
	}
	return nil
}

const episodeColumns = `
	id, intent, context, action, emotion, outcome, gist,
	salience, freshness_base, embedding, topic, exchange_id,
	source, durability, created_at, last_accessed_at,
	access_count, activation_score, salience_factors, open_loops,
	semantic_consolidation_status, deleted_at, updated_at`

func scanEpisode(row interface{ Scan(...any) error }) (*types.Episode, error) {
	var ep types.Episode
	var embedding, salienceFactors, openLoops []byte
	var durability, consolidation string
	var deletedAt sql.NullTime

	err := row.Scan(
		&ep.ID, &ep.Intent, &ep.Context, &ep.Action, &ep.Emotion, &ep.Outcome, &ep.Gist,
		&ep.Salience, &ep.FreshnessBase, &embedding, &ep.Topic, &ep.ExchangeID,
		&ep.Source, &durability, &ep.CreatedAt, &ep.LastAccessedAt,
		&ep.AccessCount, &ep.ActivationScore, &salienceFactors, &openLoops,
		&consolidation, &deletedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ep.Embedding = unmarshalFloats(embedding)
	ep.Durability = types.Durability(durability)
	ep.Consolidation = types.ConsolidationStatus(consolidation)
	if len(salienceFactors) > 0 {
		json.Unmarshal(salienceFactors, &ep.SalienceFactors)
	}
	if len(openLoops) > 0 {
		json.Unmarshal(openLoops, &ep.OpenLoops)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ep.DeletedAt = &t
	}
	return &ep, nil
}

// GetEpisode returns one episode without touching it. Soft-deleted
// rows are still readable by ID (restore needs them).
func (g *DB) GetEpisode(id string) (*types.Episode, error) {
	row := g.db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("episode %s not found", id)
	}
	return ep, err
}

// TouchEpisode records a retrieval: access_count and activation go
// up, the decay base resets to the new activation
func (g *DB) TouchEpisode(id string) error {
	_, err := g.db.Exec(`
		UPDATE episodes SET
			access_count = access_count + 1,
			activation_score = activation_score + ?,
			activation_base = activation_score + ?,
			last_accessed_at = ?,
			updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		TouchIncrement, TouchIncrement, time.Now(), time.Now(), id)
	return err
}

// EffectiveFreshness computes retrieval-time freshness. It is never
// stored: exp(-lambda * (1-salience) * hours_since_access).
func EffectiveFreshness(ep *types.Episode, now time.Time, lambda float64) float64 {
	hours := now.Sub(ep.LastAccessedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-lambda * (1 - ep.Salience) * hours)
}

// ScoredEpisode pairs an episode with its retrieval score
type ScoredEpisode struct {
	Episode    *types.Episode
	Similarity float64
	Freshness  float64
	Score      float64
}

// SearchEpisodes returns the topK most relevant non-deleted episodes
// for the query embedding. Results are touched.
func (g *DB) SearchEpisodes(queryEmb []float64, topK int, lambda float64) ([]ScoredEpisode, error) {
	if topK <= 0 {
		topK = 5
	}

	var candidates []ScoredEpisode
	var err error
	if g.vecAvailable && g.vecDim > 0 && len(queryEmb) == g.vecDim {
		candidates, err = g.searchEpisodesVec(queryEmb, topK*3)
	} else {
		candidates, err = g.searchEpisodesScan(queryEmb)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range candidates {
		candidates[i].Freshness = EffectiveFreshness(candidates[i].Episode, now, lambda)
		candidates[i].Score = candidates[i].Similarity*0.6 +
			candidates[i].Freshness*0.2 +
			math.Min(1.0, candidates[i].Episode.ActivationScore/2.0)*0.2
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	for _, c := range candidates {
		if err := g.TouchEpisode(c.Episode.ID); err != nil {
			return nil, fmt.Errorf("touch %s: %w", c.Episode.ID, err)
		}
	}
	return candidates, nil
}

func (g *DB) searchEpisodesVec(queryEmb []float64, limit int) ([]ScoredEpisode, error) {
	serialized, err := serializeQuery(queryEmb)
	if err != nil {
		return nil, err
	}

	rows, err := g.db.Query(`
		SELECT v.episode_id, v.distance
		FROM episode_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serialized, limit)
	if err != nil {
		return nil, fmt.Errorf("vec search: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			continue
		}
		hits = append(hits, h)
	}

	var out []ScoredEpisode
	for _, h := range hits {
		ep, err := g.GetEpisode(h.id)
		if err != nil || ep.DeletedAt != nil {
			continue
		}
		out = append(out, ScoredEpisode{Episode: ep, Similarity: l2ToCosineSim(h.dist)})
	}
	return out, nil
}

func (g *DB) searchEpisodesScan(queryEmb []float64) ([]ScoredEpisode, error) {
	rows, err := g.db.Query(`SELECT ` + episodeColumns + ` FROM episodes WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredEpisode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			continue
		}
		out = append(out, ScoredEpisode{
			Episode:    ep,
			Similarity: textutil.Cosine(queryEmb, ep.Embedding),
		})
	}
	return out, nil
}

// RecentEpisodesNear counts non-deleted user-sourced episodes created
// after since whose embedding cosine to emb is at least minCos. Feeds
// the SEED_THREAD episodic-salience gate.
func (g *DB) RecentEpisodesNear(since time.Time, emb []float64, minCos float64) (int, error) {
	rows, err := g.db.Query(`
		SELECT embedding FROM episodes
		WHERE deleted_at IS NULL AND source = 'user' AND created_at >= ?`, since)
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

// SoftDeleteEpisode marks an episode deleted; retrieval never returns it
func (g *DB) SoftDeleteEpisode(id string) error {
	_, err := g.db.Exec(`UPDATE episodes SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		time.Now(), time.Now(), id)
	return err
}

// RestoreEpisode clears the soft-delete marker
func (g *DB) RestoreEpisode(id string) error {
	_, err := g.db.Exec(`UPDATE episodes SET deleted_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// DecayEpisodes recomputes activation for episodes whose last access
// is older than staleAfter. The decay is computed from the base
// snapshot taken at last access, so re-running on stale data is a
// no-op (idempotent).
func (g *DB) DecayEpisodes(now time.Time, lambda float64, staleAfter time.Duration) (int, error) {
	rows, err := g.db.Query(`
		SELECT id, salience, durability, last_accessed_at, activation_base
		FROM episodes
		WHERE deleted_at IS NULL AND last_accessed_at <= ?`,
		now.Add(-staleAfter))
	if err != nil {
		return 0, err
	}

	type decayRow struct {
		id         string
		salience   float64
		durability types.Durability
		lastAccess time.Time
		base       float64
	}
	var toDecay []decayRow
	for rows.Next() {
		var r decayRow
		var durability string
		if err := rows.Scan(&r.id, &r.salience, &durability, &r.lastAccess, &r.base); err != nil {
			continue
		}
		r.durability = types.Durability(durability)
		toDecay = append(toDecay, r)
	}
	rows.Close()

	updated := 0
	for _, r := range toDecay {
		mult, ok := durabilityMultiplier[r.durability]
		if !ok {
			mult = 1.0
		}
		hours := now.Sub(r.lastAccess).Hours()
		next := math.Max(0.1, r.base*math.Exp(-lambda*mult*(1-r.salience)*hours))
		if _, err := g.db.Exec(
			`UPDATE episodes SET activation_score = ?, updated_at = ? WHERE id = ?`,
			next, now, r.id); err != nil {
			continue
		}
		updated++
	}
	return updated, nil
}

// FetchUnconsolidated returns up to limit episodes awaiting semantic
// consolidation. Pending rows come first, then empty/failed retries
// that have not exhausted maxRetries.
func (g *DB) FetchUnconsolidated(limit, maxRetries int) ([]*types.Episode, error) {
	rows, err := g.db.Query(`
		SELECT `+episodeColumns+` FROM episodes
		WHERE deleted_at IS NULL
		  AND (semantic_consolidation_status IS NULL OR semantic_consolidation_status = ''
		       OR (semantic_consolidation_status IN ('empty','failed') AND consolidation_attempts < ?))
		ORDER BY created_at
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// CountUnconsolidated returns how many episodes await consolidation
func (g *DB) CountUnconsolidated(maxRetries int) (int, error) {
	var n int
	err := g.db.QueryRow(`
		SELECT COUNT(*) FROM episodes
		WHERE deleted_at IS NULL
		  AND (semantic_consolidation_status IS NULL OR semantic_consolidation_status = ''
		       OR (semantic_consolidation_status IN ('empty','failed') AND consolidation_attempts < ?))`,
		maxRetries).Scan(&n)
	return n, err
}

// MarkConsolidation transitions the consolidation status of a batch
// and bumps the attempt counter
func (g *DB) MarkConsolidation(ids []string, status types.ConsolidationStatus) error {
	tx, err := g.db.Begin()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE episodes SET
				semantic_consolidation_status = ?,
				consolidation_attempts = consolidation_attempts + 1,
				updated_at = ?
			WHERE id = ?`, string(status), time.Now(), id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// EpisodeCount returns the number of live episodes
func (g *DB) EpisodeCount() (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM episodes WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

func serializeQuery(emb []float64) ([]byte, error) {
	return serializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
}
