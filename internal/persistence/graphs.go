package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/graph"
)

// GraphSummary is a collaborative task row without its subtask detail.
type GraphSummary struct {
	TaskID        string    `json:"task_id"`
	RequesterID   string    `json:"requester_id"`
	CoordinatorID string    `json:"coordinator_id"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SaveGraph upserts the snapshot of one collaborative task.
func (s *Store) SaveGraph(ctx context.Context, coordinatorID string, snap graph.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save graph %s: encode: %w", snap.TaskID, err)
	}
	created := snap.CreatedAt.UTC()
	if snap.CreatedAt.IsZero() {
		created = s.now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO collab_tasks (task_id, requester_id, coordinator_id, description, status, snapshot_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				status = excluded.status,
				snapshot_json = excluded.snapshot_json,
				updated_at = excluded.updated_at;
		`, snap.TaskID, snap.RequesterID, coordinatorID, snap.Description, string(snap.Status), string(raw), created, s.now())
		if err != nil {
			return fmt.Errorf("save graph %s: %w", snap.TaskID, err)
		}
		return nil
	})
}

// LoadGraph returns the stored snapshot for taskID, or nil if unknown.
func (s *Store) LoadGraph(ctx context.Context, taskID string) (*graph.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM collab_tasks WHERE task_id = ?;`, taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load graph %s: %w", taskID, err)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("load graph %s: decode: %w", taskID, err)
	}
	return &snap, nil
}

// ListGraphs returns task summaries, newest first. An empty status lists all.
func (s *Store) ListGraphs(ctx context.Context, status string, limit int) ([]GraphSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, requester_id, coordinator_id, description, status, created_at, updated_at
		FROM collab_tasks
		WHERE (? = '' OR status = ?)
		ORDER BY updated_at DESC
		LIMIT ?;
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()
	var out []GraphSummary
	for rows.Next() {
		var g GraphSummary
		if err := rows.Scan(&g.TaskID, &g.RequesterID, &g.CoordinatorID, &g.Description, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list graphs: iterate: %w", err)
	}
	return out, nil
}

// ActiveGraphs returns snapshots of every ACTIVE task owned by coordinatorID,
// for restoring coordinator state after a restart.
func (s *Store) ActiveGraphs(ctx context.Context, coordinatorID string) ([]graph.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_json FROM collab_tasks
		WHERE coordinator_id = ? AND status = ?
		ORDER BY created_at ASC;
	`, coordinatorID, string(graph.TaskActive))
	if err != nil {
		return nil, fmt.Errorf("active graphs: %w", err)
	}
	defer rows.Close()
	var out []graph.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		var snap graph.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode graph: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active graphs: iterate: %w", err)
	}
	return out, nil
}

// PurgeFinishedGraphs deletes terminal tasks last updated before cutoff.
func (s *Store) PurgeFinishedGraphs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM collab_tasks WHERE status != ? AND updated_at < ?;
	`, string(graph.TaskActive), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge collab_tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
