package graph

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
	"github.com/google/uuid"
)

// CreateCycle inserts a cycle record. RootCycleID defaults to the
// cycle's own ID when it has no parent.
func (g *DB) CreateCycle(c *types.Cycle) error {
	if c.CycleID == "" {
		c.CycleID = uuid.NewString()
	}
	if c.RootCycleID == "" {
		if c.ParentCycleID != "" {
			parent, err := g.GetCycle(c.ParentCycleID)
			if err == nil {
				c.RootCycleID = parent.RootCycleID
			}
		}
		if c.RootCycleID == "" {
			c.RootCycleID = c.CycleID
		}
	}
	if c.Status == "" {
		c.Status = types.CycleProcessing
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := g.db.Exec(`
		INSERT INTO cycles (cycle_id, parent_cycle_id, root_cycle_id, type,
			topic, status, prompt_text, embedding, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.CycleID, c.ParentCycleID, c.RootCycleID, string(c.Type),
		c.Topic, string(c.Status), c.PromptText, marshalJSON(c.Embedding), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// GetCycle returns one cycle by ID
func (g *DB) GetCycle(cycleID string) (*types.Cycle, error) {
	row := g.db.QueryRow(`
		SELECT cycle_id, parent_cycle_id, root_cycle_id, type, topic, status,
			prompt_text, embedding, created_at
		FROM cycles WHERE cycle_id = ?`, cycleID)

	var c types.Cycle
	var cycleType, status string
	var embedding []byte
	err := row.Scan(&c.CycleID, &c.ParentCycleID, &c.RootCycleID, &cycleType,
		&c.Topic, &status, &c.PromptText, &embedding, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cycle %s not found", cycleID)
	}
	if err != nil {
		return nil, err
	}
	c.Type = types.CycleType(cycleType)
	c.Status = types.CycleStatus(status)
	c.Embedding = unmarshalFloats(embedding)
	return &c, nil
}

// SetCycleStatus transitions a cycle's status
func (g *DB) SetCycleStatus(cycleID string, status types.CycleStatus) error {
	_, err := g.db.Exec(`UPDATE cycles SET status = ? WHERE cycle_id = ?`,
		string(status), cycleID)
	return err
}

// ActiveToolCycles returns processing tool-work cycles on a topic
func (g *DB) ActiveToolCycles(topic string) ([]*types.Cycle, error) {
	rows, err := g.db.Query(`
		SELECT cycle_id, parent_cycle_id, root_cycle_id, type, topic, status,
			prompt_text, embedding, created_at
		FROM cycles
		WHERE topic = ? AND type = ? AND status = ?`,
		topic, string(types.CycleToolWork), string(types.CycleProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Cycle
	for rows.Next() {
		var c types.Cycle
		var cycleType, status string
		var embedding []byte
		if err := rows.Scan(&c.CycleID, &c.ParentCycleID, &c.RootCycleID, &cycleType,
			&c.Topic, &status, &c.PromptText, &embedding, &c.CreatedAt); err != nil {
			continue
		}
		c.Type = types.CycleType(cycleType)
		c.Status = types.CycleStatus(status)
		c.Embedding = unmarshalFloats(embedding)
		out = append(out, &c)
	}
	return out, nil
}
