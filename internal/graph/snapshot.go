package graph

import (
	"fmt"
	"time"
)

// Snapshot is a plain copy of a graph, used for persistence and status output.
type Snapshot struct {
	TaskID        string        `json:"task_id"`
	Description   string        `json:"description"`
	RequesterID   string        `json:"requester_id"`
	PlanSummary   string        `json:"plan_summary,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
	Status        TaskStatus    `json:"status"`
	Subtasks      []Subtask     `json:"subtasks"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Snapshot copies the current state.
func (g *SubtaskGraph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{
		TaskID:        g.taskID,
		Description:   g.description,
		RequesterID:   g.requesterID,
		PlanSummary:   g.planSummary,
		FailurePolicy: g.policy,
		Status:        g.status,
		CreatedAt:     g.createdAt,
		Subtasks:      make([]Subtask, 0, len(g.order)),
	}
	if g.endedAt != nil {
		t := *g.endedAt
		snap.EndedAt = &t
	}
	for _, id := range g.order {
		snap.Subtasks = append(snap.Subtasks, g.subtasks[id].clone())
	}
	return snap
}

// Restore rebuilds a graph from a snapshot, keeping subtask states as saved.
func Restore(snap Snapshot) (*SubtaskGraph, error) {
	if snap.TaskID == "" {
		return nil, fmt.Errorf("restore graph: empty task id")
	}
	if err := Validate(snap.Subtasks); err != nil {
		return nil, fmt.Errorf("restore graph %s: %w", snap.TaskID, err)
	}
	policy := snap.FailurePolicy
	if policy == "" {
		policy = FailFast
	}
	status := snap.Status
	if status == "" {
		status = TaskActive
	}
	g := &SubtaskGraph{
		taskID:      snap.TaskID,
		description: snap.Description,
		requesterID: snap.RequesterID,
		planSummary: snap.PlanSummary,
		policy:      policy,
		status:      status,
		createdAt:   snap.CreatedAt,
		subtasks:    make(map[string]*Subtask, len(snap.Subtasks)),
		now:         time.Now,
	}
	if snap.EndedAt != nil {
		t := *snap.EndedAt
		g.endedAt = &t
	}
	for _, st := range snap.Subtasks {
		st = st.clone()
		if st.Status == "" {
			st.Status = StatusPending
		}
		g.order = append(g.order, st.ID)
		g.subtasks[st.ID] = &st
	}
	return g, nil
}
