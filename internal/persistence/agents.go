package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentRecord represents a row in the agents table.
type AgentRecord struct {
	AgentID     string     `json:"agent_id"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	Skills      []string   `json:"skills"`
	Status      string     `json:"status"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UpsertAgent registers an agent or refreshes its profile. Status and
// last-seen are preserved on update.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("upsert agent: empty agent id")
	}
	if rec.Role == "" {
		rec.Role = "worker"
	}
	if rec.Status == "" {
		rec.Status = "active"
	}
	skills := rec.Skills
	if skills == nil {
		skills = []string{}
	}
	raw, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("upsert agent: encode skills: %w", err)
	}
	now := s.now()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, display_name, role, skills, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				display_name = excluded.display_name,
				role = excluded.role,
				skills = excluded.skills,
				updated_at = excluded.updated_at;
		`, rec.AgentID, rec.DisplayName, rec.Role, string(raw), rec.Status, now, now)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func scanAgent(scanFn func(dest ...any) error) (AgentRecord, error) {
	var (
		rec      AgentRecord
		skills   string
		lastSeen sql.NullTime
	)
	if err := scanFn(&rec.AgentID, &rec.DisplayName, &rec.Role, &skills, &rec.Status,
		&lastSeen, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return AgentRecord{}, err
	}
	if err := json.Unmarshal([]byte(skills), &rec.Skills); err != nil {
		return AgentRecord{}, fmt.Errorf("decode skills for %s: %w", rec.AgentID, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		rec.LastSeenAt = &t
	}
	return rec, nil
}

const agentColumns = `agent_id, display_name, role, skills, status, last_seen_at, created_at, updated_at`

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, agent_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// TouchAgent records that agentID was just seen polling or sending.
func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	now := s.now()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_seen_at = ?, updated_at = ? WHERE agent_id = ?;
		`, now, now, agentID)
		if err != nil {
			return fmt.Errorf("touch agent: %w", err)
		}
		return nil
	})
}

// UpdateAgentStatus sets the status field for the given agent (e.g. "active", "paused").
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?;
	`, status, s.now(), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", agentID)
	}
	return nil
}

// DeleteAgent removes an agent and its undelivered mail in a single transaction.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_messages WHERE recipient_id = ? AND acked_at IS NULL;`, agentID); err != nil {
		return fmt.Errorf("delete agent messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete agent: commit: %w", err)
	}
	return nil
}
