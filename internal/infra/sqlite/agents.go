package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Agent Profiles ─────────────────────────────────────────────────────────

// GetProfile loads an agent profile. Returns nil, nil when none is stored.
func (d *DB) GetProfile(ctx context.Context, agentID string) (*domain.AgentProfile, error) {
	var raw string
	var rev int64
	err := d.db.QueryRowContext(ctx,
		`SELECT profile, revision FROM agent_profiles WHERE agent_id = ?`, agentID,
	).Scan(&raw, &rev)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p domain.AgentProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", agentID, err)
	}
	p.Revision = rev
	return &p, nil
}

// SaveProfile writes a profile if its Revision still matches the stored one
// (0 for a new profile) and returns the new revision. A stale revision yields
// ErrVersionConflict.
func (d *DB) SaveProfile(ctx context.Context, p domain.AgentProfile) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode profile: %w", err)
	}
	now := d.now().UnixNano()
	next := p.Revision + 1

	var n int64
	if p.Revision == 0 {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO agent_profiles (agent_id, profile, revision, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(agent_id) DO NOTHING`,
			p.AgentID, string(raw), next, now)
		if err != nil {
			return 0, err
		}
		n, _ = res.RowsAffected()
	} else {
		res, err := d.db.ExecContext(ctx,
			`UPDATE agent_profiles SET profile = ?, revision = ?, updated_at = ?
			 WHERE agent_id = ? AND revision = ?`,
			string(raw), next, now, p.AgentID, p.Revision)
		if err != nil {
			return 0, err
		}
		n, _ = res.RowsAffected()
	}
	if n != 1 {
		return 0, fmt.Errorf("save profile %s at revision %d: %w", p.AgentID, p.Revision, domain.ErrVersionConflict)
	}
	return next, nil
}

// ListAgents returns the IDs of every agent with a stored profile or a task
// record, sorted.
func (d *DB) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT agent_id FROM agent_profiles
		 UNION SELECT agent_id FROM task_records WHERE agent_id != ''
		 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentQuality returns an agent's overall quality scores, oldest first,
// limited to the newest limit records that carry metrics.
func (d *DB) RecentQuality(ctx context.Context, agentID string, limit int) ([]float64, error) {
	recs, err := d.RecentRecords(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	var out []float64
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Metrics != nil {
			out = append(out, recs[i].Metrics.Overall())
		}
	}
	return out, nil
}
