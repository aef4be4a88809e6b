package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/graph"
)

// WaitForTask blocks until taskID is terminal or the timeout expires. It
// listens for graph.finished on the bus and polls as a fallback.
func (c *Coordinator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (graph.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first check so a finish in between is not missed.
	var sub *bus.Subscription
	if c.cfg.Bus != nil {
		sub = c.cfg.Bus.Subscribe(bus.TopicGraphFinished)
		defer c.cfg.Bus.Unsubscribe(sub)
	}

	if snap, done, err := c.checkTerminal(taskID); err != nil || done {
		return snap, err
	}

	interval := time.Second
	if sub == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var events <-chan bus.Event
		if sub != nil {
			events = sub.Ch()
		}
		select {
		case <-ctx.Done():
			return graph.Snapshot{}, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				sub = nil
				continue
			}
			if fe, isFinish := ev.Payload.(bus.GraphFinishedEvent); !isFinish || fe.TaskID != taskID {
				continue
			}
		}
		if snap, done, err := c.checkTerminal(taskID); err != nil || done {
			return snap, err
		}
	}
}

// WaitForAll waits for several tasks. A failure in one does not stop the
// others; the first error is returned alongside every result collected.
func (c *Coordinator) WaitForAll(ctx context.Context, taskIDs []string, timeout time.Duration) (map[string]graph.Snapshot, error) {
	results := make(map[string]graph.Snapshot, len(taskIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for _, id := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			snap, err := c.WaitForTask(ctx, taskID, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("task %s: %w", taskID, err)
				}
				return
			}
			results[taskID] = snap
		}(id)
	}
	wg.Wait()
	return results, firstErr
}

func (c *Coordinator) checkTerminal(taskID string) (graph.Snapshot, bool, error) {
	snap, err := c.Graph(taskID)
	if err != nil {
		return graph.Snapshot{}, false, err
	}
	return snap, snap.Status != graph.TaskActive, nil
}
