package coordinator

import (
	"context"
	"fmt"

	"github.com/basket/go-swarm/internal/graph"
)

// RetryAssignment re-sends the assignment of a subtask whose earlier send
// failed. Only ASSIGNED subtasks qualify.
func (c *Coordinator) RetryAssignment(ctx context.Context, taskID, subtaskID string) error {
	st, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	sub, ok := st.g.Subtask(subtaskID)
	if !ok || sub.Status != graph.StatusAssigned {
		return fmt.Errorf("%w: %s/%s", ErrNotAssigned, taskID, subtaskID)
	}
	if !c.sendAssignmentLocked(ctx, st, sub) {
		return fmt.Errorf("resend %s/%s to %s failed", taskID, subtaskID, sub.AssignedTo)
	}
	c.save(ctx, st.g)
	return nil
}

// RetryStuck re-sends every ASSIGNED subtask across all active tasks and
// returns how many went out.
func (c *Coordinator) RetryStuck(ctx context.Context) int {
	sent := 0
	for _, snap := range c.Tasks() {
		if snap.Status != graph.TaskActive {
			continue
		}
		for _, sub := range snap.Subtasks {
			if sub.Status != graph.StatusAssigned {
				continue
			}
			if err := c.RetryAssignment(ctx, snap.TaskID, sub.ID); err != nil {
				c.logger.Warn("retry assignment failed", "task_id", snap.TaskID, "subtask_id", sub.ID, "error", err)
				continue
			}
			sent++
		}
	}
	return sent
}
