package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/queue"
)

// WorkerTaskRecord is the persisted history of one worker queue task.
type WorkerTaskRecord struct {
	TaskID      string     `json:"task_id"`
	AgentID     string     `json:"agent_id"`
	SenderID    string     `json:"sender_id"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	GraphTaskID string     `json:"graph_task_id,omitempty"`
	SubtaskID   string     `json:"subtask_id,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// RecordWorkerTask upserts the current state of a queue task.
func (s *Store) RecordWorkerTask(ctx context.Context, agentID string, t queue.Task) error {
	graphTask, subtask, _ := t.Collaborative()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_tasks (task_id, agent_id, sender_id, description, priority, status,
				graph_task_id, subtask_id, result, error, created_at, started_at, ended_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				priority = excluded.priority,
				status = excluded.status,
				result = excluded.result,
				error = excluded.error,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				updated_at = excluded.updated_at;
		`, t.ID, agentID, t.SenderID, t.Description, int(t.Priority), string(t.Status),
			graphTask, subtask, t.Result, t.Error, t.CreatedAt.UTC(), utcPtr(t.StartedAt), utcPtr(t.EndedAt), s.now())
		if err != nil {
			return fmt.Errorf("record worker task %s: %w", t.ID, err)
		}
		return nil
	})
}

// ListWorkerTasks returns an agent's most recently updated tasks. An empty
// agentID lists every agent.
func (s *Store) ListWorkerTasks(ctx context.Context, agentID string, limit int) ([]WorkerTaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, sender_id, description, priority, status, graph_task_id,
			subtask_id, result, error, created_at, started_at, ended_at, updated_at
		FROM worker_tasks
		WHERE (? = '' OR agent_id = ?)
		ORDER BY updated_at DESC, task_id ASC
		LIMIT ?;
	`, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list worker tasks: %w", err)
	}
	defer rows.Close()
	var out []WorkerTaskRecord
	for rows.Next() {
		var (
			r              WorkerTaskRecord
			started, ended sql.NullTime
		)
		if err := rows.Scan(&r.TaskID, &r.AgentID, &r.SenderID, &r.Description, &r.Priority, &r.Status,
			&r.GraphTaskID, &r.SubtaskID, &r.Result, &r.Error, &r.CreatedAt, &started, &ended, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker task: %w", err)
		}
		if started.Valid {
			t := started.Time
			r.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker tasks: iterate: %w", err)
	}
	return out, nil
}
