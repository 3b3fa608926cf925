package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

// VectorNames are the six personality dimensions, in display order
var VectorNames = []string{
	"curiosity", "assertiveness", "warmth",
	"playfulness", "skepticism", "emotional_intensity",
}

// defaultVector seeds a dimension on first run
func defaultVector(name string, now time.Time) *types.IdentityVector {
	baselines := map[string]float64{
		"curiosity":           0.65,
		"assertiveness":       0.50,
		"warmth":              0.60,
		"playfulness":         0.45,
		"skepticism":          0.40,
		"emotional_intensity": 0.40,
	}
	baseline, ok := baselines[name]
	if !ok {
		baseline = 0.5
	}
	return &types.IdentityVector{
		Name:             name,
		Baseline:         baseline,
		Activation:       baseline,
		PlasticityRate:   0.05,
		InertiaRate:      0.10,
		MinCap:           0.05,
		MaxCap:           0.95,
		DriftWindowStart: now,
	}
}

// LoadVectors returns all six identity vectors, seeding defaults for
// any missing dimension
func (g *DB) LoadVectors() (map[string]*types.IdentityVector, error) {
	rows, err := g.db.Query(`
		SELECT name, baseline, activation, plasticity_rate, inertia_rate,
			min_cap, max_cap, signal_history, reinforcement_count,
			drift_today, drift_window_start
		FROM identity_vectors`)
	if err != nil {
		return nil, err
	}

	vectors := make(map[string]*types.IdentityVector)
	for rows.Next() {
		var v types.IdentityVector
		var history []byte
		if err := rows.Scan(&v.Name, &v.Baseline, &v.Activation, &v.PlasticityRate,
			&v.InertiaRate, &v.MinCap, &v.MaxCap, &history, &v.ReinforcementCount,
			&v.DriftToday, &v.DriftWindowStart); err != nil {
			continue
		}
		if len(history) > 0 {
			json.Unmarshal(history, &v.SignalHistory)
		}
		vectors[v.Name] = &v
	}
	rows.Close()

	now := time.Now()
	for _, name := range VectorNames {
		if _, ok := vectors[name]; ok {
			continue
		}
		v := defaultVector(name, now)
		if err := g.SaveVector(v); err != nil {
			return nil, fmt.Errorf("seed vector %s: %w", name, err)
		}
		vectors[name] = v
	}
	return vectors, nil
}

// SaveVector persists one identity vector
func (g *DB) SaveVector(v *types.IdentityVector) error {
	_, err := g.db.Exec(`
		INSERT INTO identity_vectors (name, baseline, activation, plasticity_rate,
			inertia_rate, min_cap, max_cap, signal_history, reinforcement_count,
			drift_today, drift_window_start)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			baseline = excluded.baseline,
			activation = excluded.activation,
			plasticity_rate = excluded.plasticity_rate,
			inertia_rate = excluded.inertia_rate,
			min_cap = excluded.min_cap,
			max_cap = excluded.max_cap,
			signal_history = excluded.signal_history,
			reinforcement_count = excluded.reinforcement_count,
			drift_today = excluded.drift_today,
			drift_window_start = excluded.drift_window_start`,
		v.Name, v.Baseline, v.Activation, v.PlasticityRate,
		v.InertiaRate, v.MinCap, v.MaxCap, marshalJSON(v.SignalHistory),
		v.ReinforcementCount, v.DriftToday, v.DriftWindowStart)
	return err
}
