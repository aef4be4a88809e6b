package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Executor performs one worker task and returns its result text.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// Runner drains a Queue one task at a time. Pausing or canceling the running
// task cancels the context passed to the Executor; its late return is ignored.
type Runner struct {
	q      *Queue
	exec   Executor
	logger *slog.Logger

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

func NewRunner(q *Queue, exec Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		q:      q,
		exec:   exec,
		logger: logger.With("component", "runner", "agent_id", q.agentID),
	}
	q.AddListener(ListenerFunc(r.onTransition))
	return r
}

// Start launches the run loop. It exits when ctx is done; use Wait to join it.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

// Wait blocks until the run loop has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			task, ok := r.q.StartNext()
			if !ok {
				break
			}
			r.run(ctx, task)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.q.Ready():
		}
	}
}

func (r *Runner) run(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.current = task.ID
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = ""
		r.cancel = nil
		r.mu.Unlock()
	}()

	result, err := r.execute(taskCtx, task)

	if taskCtx.Err() != nil && ctx.Err() == nil {
		// Paused or canceled underneath us; the queue already moved on.
		if _, stillRunning := r.q.Running(); !stillRunning {
			r.logger.Info("worker task interrupted", "task_id", task.ID)
			return
		}
	}
	if err != nil {
		if _, ferr := r.q.Fail(task.ID, err.Error()); ferr != nil && !errors.Is(ferr, ErrNotRunning) {
			r.logger.Error("fail worker task", "task_id", task.ID, "error", ferr)
		}
		return
	}
	if _, cerr := r.q.Complete(task.ID, result); cerr != nil && !errors.Is(cerr, ErrNotRunning) {
		r.logger.Error("complete worker task", "task_id", task.ID, "error", cerr)
	}
}

func (r *Runner) execute(ctx context.Context, task Task) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("executor panicked", "task_id", task.ID, "panic", p)
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return r.exec.Execute(ctx, task)
}

func (r *Runner) onTransition(e Event) {
	if e.From != StatusRunning || (e.To != StatusPaused && e.To != StatusCanceled) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == e.Task.ID && r.cancel != nil {
		r.cancel()
	}
}
