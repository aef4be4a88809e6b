// Package agent runs one swarm participant: it receives messages on its
// transport channel, executes subtask assignments through its worker queue,
// and, when it is a coordinator, hands task traffic to its Coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/coordinator"
	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/oracle"
	otelpkg "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/queue"
	"github.com/basket/go-swarm/internal/shared"
	"github.com/basket/go-swarm/internal/transport"
)

var (
	ErrNotCoordinator = errors.New("agent is not a coordinator")
	ErrRejected       = errors.New("task rejected")
)

// Config holds what an Agent needs to run.
type Config struct {
	AgentID      string
	DisplayName  string
	Role         string
	Skills       []string
	Instructions string

	Channel transport.Channel
	// Oracle executes assigned work. Nil means every assignment fails.
	Oracle oracle.Oracle
	// Coordinator is set for agents that accept task requests.
	Coordinator *coordinator.Coordinator

	// Optional.
	Store     *persistence.Store
	Bus       *bus.Bus
	Heartbeat time.Duration
	Logger    *slog.Logger
	Metrics   *otelpkg.Metrics
	Tracer    trace.Tracer
}

// Agent is one running participant.
type Agent struct {
	cfg     Config
	queue   *queue.Queue
	runner  *queue.Runner
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	tracer  trace.Tracer

	mu        sync.Mutex
	acks      map[string]chan message.TaskAck
	waiters   map[string]chan message.TaskCompleted
	completed map[string]message.TaskCompleted

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New validates cfg and builds an Agent. Call Start to run it.
func New(cfg Config) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id must be non-empty")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("agent %s: nil channel", cfg.AgentID)
	}
	if cfg.Channel.AgentID() != cfg.AgentID {
		return nil, fmt.Errorf("agent %s: channel belongs to %s", cfg.AgentID, cfg.Channel.AgentID())
	}
	if cfg.Role == "" {
		cfg.Role = "worker"
		if cfg.Coordinator != nil {
			cfg.Role = "coordinator"
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelpkg.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelpkg.NoopTracer()
	}

	a := &Agent{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "agent", "agent_id", cfg.AgentID),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		acks:      make(map[string]chan message.TaskAck),
		waiters:   make(map[string]chan message.TaskCompleted),
		completed: make(map[string]message.TaskCompleted),
	}
	a.queue = queue.New(cfg.AgentID, cfg.Logger)
	a.runner = queue.NewRunner(a.queue, queue.ExecutorFunc(a.execute), cfg.Logger)
	a.queue.AddListener(queue.ListenerFunc(a.onWorkerTransition))
	a.queue.AddListener(queue.BusListener{Bus: cfg.Bus})
	if cfg.Store != nil {
		a.queue.AddListener(StoreListener{Store: cfg.Store, Logger: a.logger})
	}
	return a, nil
}

func (a *Agent) ID() string                            { return a.cfg.AgentID }
func (a *Agent) Queue() *queue.Queue                   { return a.queue }
func (a *Agent) Channel() transport.Channel            { return a.cfg.Channel }
func (a *Agent) Coordinator() *coordinator.Coordinator { return a.cfg.Coordinator }
func (a *Agent) StartedAt() time.Time                  { return a.startedAt }

// Start launches the receive loop, the worker runner and the heartbeat. It
// returns immediately; Stop ends all three.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(shared.WithAgentID(ctx, a.cfg.AgentID))
	a.cancel = cancel
	a.startedAt = time.Now()

	if a.cfg.Store != nil {
		err := a.cfg.Store.UpsertAgent(ctx, persistence.AgentRecord{
			AgentID:     a.cfg.AgentID,
			DisplayName: a.cfg.DisplayName,
			Role:        a.cfg.Role,
			Skills:      a.cfg.Skills,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("register agent %s: %w", a.cfg.AgentID, err)
		}
		if err := a.cfg.Store.UpdateAgentStatus(ctx, a.cfg.AgentID, "active"); err != nil {
			a.logger.Warn("mark agent active failed", "error", err)
		}
		a.touch(ctx)
	}

	a.runner.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfg.Channel.Listen(ctx, a.handle); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrClosed) {
			a.logger.Error("receive loop stopped", "error", err)
		}
	}()

	if a.cfg.Store != nil && a.cfg.Heartbeat > 0 {
		a.wg.Add(1)
		go a.heartbeat(ctx)
	}

	a.logger.Info("agent started", "role", a.cfg.Role, "coordinator", a.cfg.Coordinator != nil)
	return nil
}

// Stop cancels the agent and waits up to timeout for its goroutines.
func (a *Agent) Stop(timeout time.Duration) {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		a.runner.Wait()
		if a.cfg.Coordinator != nil {
			a.cfg.Coordinator.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("agent stop timed out", "timeout", timeout)
	}
	if err := a.cfg.Channel.Close(); err != nil {
		a.logger.Warn("close channel failed", "error", err)
	}
	if a.cfg.Store != nil {
		if err := a.cfg.Store.UpdateAgentStatus(context.Background(), a.cfg.AgentID, "stopped"); err != nil {
			a.logger.Warn("mark agent stopped failed", "error", err)
		}
	}
	a.logger.Info("agent stopped")
}

func (a *Agent) heartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.touch(ctx)
		}
	}
}

func (a *Agent) touch(ctx context.Context) {
	if err := a.cfg.Store.TouchAgent(ctx, a.cfg.AgentID); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

// handle runs on the receive loop. It never blocks on execution.
func (a *Agent) handle(ctx context.Context, m message.Message) {
	ctx, span := otelpkg.StartConsumerSpan(ctx, a.tracer, "agent.handle",
		otelpkg.AttrAgentID.String(a.cfg.AgentID),
		otelpkg.AttrMessageType.String(string(m.Type())),
	)
	defer span.End()

	switch b := m.Body.(type) {
	case message.TaskRequest:
		a.onTaskRequest(ctx, m.SenderID, b)
	case message.TaskAck:
		a.onTaskAck(b)
	case message.SubtaskAssignment:
		a.onAssignment(ctx, m.SenderID, b)
	case message.SubtaskResult:
		a.onSubtaskResult(ctx, b)
	case message.TaskStatusUpdate:
		a.onStatusUpdate(ctx, m.SenderID, b)
	case message.TaskCompleted:
		a.onTaskCompleted(b)
	case message.AgentControl:
		a.onControl(b)
	default:
		a.logger.Warn("unhandled message type", "message_id", m.ID, "type", m.Type())
	}
}

func (a *Agent) onTaskRequest(ctx context.Context, senderID string, r message.TaskRequest) {
	requester := r.RequesterID
	if requester == "" {
		requester = senderID
	}
	if a.cfg.Coordinator == nil {
		a.logger.Warn("task request sent to non-coordinator", "requester_id", requester)
		ack := message.TaskAck{
			Status:        message.AckRejected,
			CoordinatorID: a.cfg.AgentID,
			RequestID:     r.RequestID,
			Error:         ErrNotCoordinator.Error(),
		}
		if err := a.cfg.Channel.Send(ctx, requester, ack); err != nil {
			a.logger.Error("send rejection failed", "requester_id", requester, "error", err)
		}
		return
	}
	opts := []coordinator.CreateOption{coordinator.WithRequestID(r.RequestID)}
	if r.Plan != "" {
		opts = append(opts, coordinator.WithPlan(r.Plan))
	}
	// CreateTask sends the ack itself, accepted or rejected.
	if _, err := a.cfg.Coordinator.CreateTask(ctx, r.Description, requester, opts...); err != nil {
		a.logger.Warn("task request rejected", "requester_id", requester, "error", err)
	}
}

func (a *Agent) onAssignment(ctx context.Context, senderID string, as message.SubtaskAssignment) {
	task := queue.Task{
		// Derived id: a resent assignment collapses onto the queued task.
		ID:          as.TaskID + "/" + as.SubtaskID,
		Description: as.Description,
		SenderID:    senderID,
		Priority:    queue.PriorityNormal,
		Metadata: map[string]string{
			queue.MetaGraphTaskID:     as.TaskID,
			queue.MetaSubtaskID:       as.SubtaskID,
			queue.MetaSuccessCriteria: as.SuccessCriteria,
			queue.MetaDependencies:    strings.Join(as.Dependencies, ","),
		},
	}
	if _, err := a.queue.Enqueue(task); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			a.onDuplicateAssignment(ctx, senderID, task.ID, as)
			return
		}
		a.logger.Error("enqueue assignment failed", "task_id", as.TaskID, "subtask_id", as.SubtaskID, "error", err)
		return
	}
	a.logger.Info("assignment queued", append(shared.LogAttrs(ctx),
		"task_id", as.TaskID, "subtask_id", as.SubtaskID, "from", senderID)...)
}

// onDuplicateAssignment answers a resent assignment. A coordinator that
// restarted before our result reached it gets the stored result again; work
// still queued or running reports on its own.
func (a *Agent) onDuplicateAssignment(ctx context.Context, senderID, workerTaskID string, as message.SubtaskAssignment) {
	t, ok := a.queue.Get(workerTaskID)
	if !ok {
		return
	}
	body, final := resultFor(as.TaskID, as.SubtaskID, t)
	if !final {
		a.logger.Info("duplicate assignment ignored", "task_id", as.TaskID, "subtask_id", as.SubtaskID, "status", t.Status)
		return
	}
	if err := a.cfg.Channel.Send(ctx, senderID, body); err != nil {
		a.logger.Error("resend subtask result failed", "task_id", as.TaskID, "subtask_id", as.SubtaskID, "error", err)
		return
	}
	a.logger.Info("subtask result resent", "task_id", as.TaskID, "subtask_id", as.SubtaskID, "status", t.Status)
}

// resultFor builds the subtask_result for a finished worker task.
func resultFor(graphTask, subtask string, t queue.Task) (message.SubtaskResult, bool) {
	switch t.Status {
	case queue.StatusCompleted:
		return message.SubtaskResult{TaskID: graphTask, SubtaskID: subtask, Status: message.StatusCompleted, Result: t.Result}, true
	case queue.StatusFailed:
		return message.SubtaskResult{TaskID: graphTask, SubtaskID: subtask, Status: message.StatusFailed, Error: t.Error}, true
	}
	return message.SubtaskResult{}, false
}

func (a *Agent) onSubtaskResult(ctx context.Context, r message.SubtaskResult) {
	if a.cfg.Coordinator == nil {
		a.logger.Warn("subtask result sent to non-coordinator", "task_id", r.TaskID)
		return
	}
	err := a.cfg.Coordinator.OnSubtaskResult(ctx, r.TaskID, r.SubtaskID, r.Status, r.Result, r.Error)
	if err != nil && !errors.Is(err, coordinator.ErrStaleUpdate) {
		a.logger.Warn("subtask result not applied", "task_id", r.TaskID, "subtask_id", r.SubtaskID, "error", err)
	}
}

func (a *Agent) onStatusUpdate(ctx context.Context, senderID string, u message.TaskStatusUpdate) {
	if a.cfg.Coordinator != nil {
		err := a.cfg.Coordinator.OnStatusUpdate(ctx, senderID, u)
		if err == nil {
			return
		}
		if !errors.Is(err, coordinator.ErrUnknownTask) {
			a.logger.Warn("status update not relayed", "task_id", u.TaskID, "error", err)
			return
		}
	}
	a.logger.Info("task progress", "task_id", u.TaskID, "subtask_id", u.SubtaskID,
		"status", u.NewStatus, "details", u.Details, "from", senderID)
}

func (a *Agent) onControl(c message.AgentControl) {
	switch c.Action {
	case message.ControlPause:
		if t, ok := a.queue.Pause(); ok {
			a.logger.Info("worker task paused", "worker_task_id", t.ID)
		} else {
			a.logger.Info("queue held")
		}
	case message.ControlResume:
		a.queue.Resume()
		a.logger.Info("queue resumed")
	case message.ControlCancel:
		id := c.WorkerTaskID
		if id == "" {
			if t, ok := a.queue.Running(); ok {
				id = t.ID
			}
		}
		if id == "" {
			a.logger.Info("cancel ignored; nothing running")
			return
		}
		if _, err := a.queue.Cancel(id); err != nil {
			a.logger.Warn("cancel failed", "worker_task_id", id, "error", err)
		}
	}
}

// execute is the queue Executor: it asks the oracle to carry out one task.
func (a *Agent) execute(ctx context.Context, t queue.Task) (string, error) {
	if a.cfg.Oracle == nil {
		return "", fmt.Errorf("agent %s has no oracle: %w", a.cfg.AgentID, oracle.ErrUnavailable)
	}
	graphTask, subtask, _ := t.Collaborative()
	ctx = shared.WithSubtaskID(shared.WithTaskID(ctx, graphTask), subtask)
	ctx, span := otelpkg.StartSpan(ctx, a.tracer, "agent.execute",
		otelpkg.AttrAgentID.String(a.cfg.AgentID),
		otelpkg.AttrWorkerTaskID.String(t.ID),
	)
	defer span.End()
	out, err := a.cfg.Oracle.Generate(ctx, buildWorkPrompt(a.cfg.Instructions, t))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func buildWorkPrompt(instructions string, t queue.Task) string {
	var sb strings.Builder
	if instructions != "" {
		sb.WriteString(instructions)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Task:\n")
	sb.WriteString(t.Description)
	if c := t.Metadata[queue.MetaSuccessCriteria]; c != "" {
		sb.WriteString("\n\nDone when: ")
		sb.WriteString(c)
	}
	sb.WriteString("\n\nReply with the finished work only.")
	return sb.String()
}

// onWorkerTransition reports collaborative work back to the coordinator.
// Listeners must not block, so sends run on their own goroutine.
func (a *Agent) onWorkerTransition(e queue.Event) {
	a.metrics.WorkerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent_id", e.AgentID),
		attribute.String("to", string(e.To)),
	))
	graphTask, subtask, ok := e.Task.Collaborative()
	if !ok || e.Task.SenderID == "" {
		return
	}
	var body message.Body
	switch e.To {
	case queue.StatusRunning:
		body = message.TaskStatusUpdate{
			TaskID:    graphTask,
			SubtaskID: subtask,
			NewStatus: "IN_PROGRESS",
			Details:   "started by " + a.cfg.AgentID,
		}
	case queue.StatusCompleted, queue.StatusFailed:
		body, _ = resultFor(graphTask, subtask, e.Task)
	default:
		// Canceling local work does not notify the coordinator.
		return
	}
	to := e.Task.SenderID
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx := context.WithoutCancel(shared.WithAgentID(context.Background(), a.cfg.AgentID))
		if err := a.cfg.Channel.Send(ctx, to, body); err != nil {
			a.logger.Error("report to coordinator failed", "to", to, "type", body.Type(),
				"task_id", graphTask, "subtask_id", subtask, "error", err)
		}
	}()
}

// Submit sends a task_request to coordinatorID and waits for its ack. A
// rejection is returned as an error wrapping ErrRejected.
func (a *Agent) Submit(ctx context.Context, coordinatorID, description, plan string) (message.TaskAck, error) {
	requestID := uuid.NewString()
	ch := make(chan message.TaskAck, 1)
	a.mu.Lock()
	a.acks[requestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.acks, requestID)
		a.mu.Unlock()
	}()

	req := message.TaskRequest{
		Description: description,
		RequesterID: a.cfg.AgentID,
		RequestID:   requestID,
		Plan:        plan,
	}
	if err := a.cfg.Channel.Send(ctx, coordinatorID, req); err != nil {
		return message.TaskAck{}, fmt.Errorf("send task request: %w", err)
	}
	select {
	case <-ctx.Done():
		return message.TaskAck{}, fmt.Errorf("waiting for ack from %s: %w", coordinatorID, ctx.Err())
	case ack := <-ch:
		if ack.Status == message.AckRejected {
			return ack, fmt.Errorf("%w by %s: %s", ErrRejected, ack.CoordinatorID, ack.Error)
		}
		return ack, nil
	}
}

func (a *Agent) onTaskAck(ack message.TaskAck) {
	a.mu.Lock()
	ch, ok := a.acks[ack.RequestID]
	a.mu.Unlock()
	if !ok {
		a.logger.Info("unsolicited task ack", "task_id", ack.TaskID, "status", ack.Status, "coordinator_id", ack.CoordinatorID)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// AwaitCompletion waits for the task_completed of taskID. A completion that
// arrived before the call is returned immediately.
func (a *Agent) AwaitCompletion(ctx context.Context, taskID string) (message.TaskCompleted, error) {
	a.mu.Lock()
	if done, ok := a.completed[taskID]; ok {
		delete(a.completed, taskID)
		a.mu.Unlock()
		return done, nil
	}
	ch := make(chan message.TaskCompleted, 1)
	a.waiters[taskID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, taskID)
		a.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return message.TaskCompleted{}, fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
	case done := <-ch:
		return done, nil
	}
}

func (a *Agent) onTaskCompleted(done message.TaskCompleted) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.waiters[done.TaskID]; ok {
		select {
		case ch <- done:
		default:
		}
		return
	}
	a.completed[done.TaskID] = done
	a.logger.Info("task completed", "task_id", done.TaskID, "status", done.Status,
		"elapsed_seconds", done.ElapsedSeconds, "results", len(done.Results))
}
