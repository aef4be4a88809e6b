package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/queue"
)

// StoreListener writes every worker task transition to the worker_tasks log.
// Write failures are logged and never reach the queue.
type StoreListener struct {
	Store  *persistence.Store
	Logger *slog.Logger
}

func (l StoreListener) OnTransition(e queue.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Store.RecordWorkerTask(ctx, e.AgentID, e.Task); err != nil {
		logger := l.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("record worker task failed", "worker_task_id", e.Task.ID, "status", e.To, "error", err)
	}
}
