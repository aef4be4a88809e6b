package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/graph"
)

// Snapshot persists every retained graph. Used by the periodic snapshot job.
func (c *Coordinator) Snapshot(ctx context.Context) (int, error) {
	if c.cfg.Store == nil {
		return 0, nil
	}
	c.mu.RLock()
	states := make([]*taskState, 0, len(c.tasks))
	for _, st := range c.tasks {
		states = append(states, st)
	}
	c.mu.RUnlock()

	saved := 0
	for _, st := range states {
		if err := c.cfg.Store.SaveGraph(ctx, c.cfg.AgentID, st.g.Snapshot()); err != nil {
			return saved, fmt.Errorf("snapshot %s: %w", st.g.TaskID(), err)
		}
		saved++
	}
	return saved, nil
}

// Restore reloads this coordinator's active graphs from the store after a
// restart. It only rebuilds state, so it can run before the agent starts
// listening and results arriving right after start find their graph. Resume
// sends whatever the restored graphs still owe.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.cfg.Store == nil {
		return 0, nil
	}
	snaps, err := c.cfg.Store.ActiveGraphs(ctx, c.cfg.AgentID)
	if err != nil {
		return 0, fmt.Errorf("load active graphs: %w", err)
	}
	restored := 0
	for _, snap := range snaps {
		g, err := graph.Restore(snap)
		if err != nil {
			c.logger.Error("skip unrestorable graph", "task_id", snap.TaskID, "error", err)
			continue
		}
		c.mu.Lock()
		if _, exists := c.tasks[snap.TaskID]; exists {
			c.mu.Unlock()
			continue
		}
		st := &taskState{
			g:              g,
			dispatchedAt:   make(map[string]time.Time),
			completionSent: g.Status() != graph.TaskActive,
		}
		c.tasks[snap.TaskID] = st
		c.restored = append(c.restored, snap.TaskID)
		c.mu.Unlock()

		if g.Status() == graph.TaskActive {
			c.metrics.ActiveTasks.Add(ctx, 1)
		}
		restored++
		c.logger.Info("graph restored", "task_id", snap.TaskID, "status", g.Status())
	}
	return restored, nil
}

// Resume continues every graph loaded by Restore: ASSIGNED subtasks are
// re-sent and newly ready ones dispatched. IN_PROGRESS subtasks keep waiting
// for their worker. Each restored graph is resumed once.
func (c *Coordinator) Resume(ctx context.Context) int {
	c.mu.Lock()
	ids := c.restored
	c.restored = nil
	c.mu.Unlock()
	for _, id := range ids {
		c.resumeAsync(context.WithoutCancel(ctx), id)
	}
	return len(ids)
}

func (c *Coordinator) resumeAsync(ctx context.Context, taskID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		st, err := c.lookup(taskID)
		if err != nil {
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		resent := 0
		for _, sub := range st.g.Subtasks() {
			if sub.Status == graph.StatusAssigned && c.sendAssignmentLocked(ctx, st, sub) {
				resent++
			}
		}
		if resent > 0 {
			c.save(ctx, st.g)
		}
		c.dispatchLocked(ctx, st)
		c.finishLocked(ctx, st)
	}()
}
