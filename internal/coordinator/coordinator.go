// Package coordinator turns decomposed plans into dispatched subtasks. It owns
// the subtask graphs of the tasks it accepted, sends assignments as
// dependencies clear, ingests results and reports the aggregate to the
// requester exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/decompose"
	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/oracle"
	otelpkg "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/shared"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrStaleUpdate    = errors.New("subtask update rejected")
	ErrNotAssigned    = errors.New("subtask is not ASSIGNED")
	ErrNotInProgress  = errors.New("subtask is not IN_PROGRESS")
	ErrTaskActive     = errors.New("task is still active")
	ErrInvalidOutcome = errors.New("invalid subtask outcome")
)

// Sender is the outbound half of a transport channel.
type Sender interface {
	Send(ctx context.Context, recipientID string, body message.Body) error
}

// Planner produces a validated plan for a task description.
type Planner interface {
	Decompose(ctx context.Context, description, coordinatorID string) (decompose.Plan, error)
}

// GraphStore persists graph snapshots. persistence.Store implements it.
type GraphStore interface {
	SaveGraph(ctx context.Context, coordinatorID string, snap graph.Snapshot) error
	ActiveGraphs(ctx context.Context, coordinatorID string) ([]graph.Snapshot, error)
}

// Config wires a Coordinator.
type Config struct {
	AgentID string
	Sender  Sender
	Planner Planner

	// Optional.
	Store         GraphStore
	Bus           *bus.Bus
	Plans         map[string]decompose.Plan
	FailurePolicy graph.FailurePolicy
	// Summarizer, when set, writes the summary of a COMPLETED task from its
	// results. Failures fall back to the plan summary.
	Summarizer oracle.Oracle

	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

type taskState struct {
	// mu serializes dispatch and result ingestion for one task.
	mu sync.Mutex

	g              *graph.SubtaskGraph
	completionSent bool
	dispatchedAt   map[string]time.Time
}

// Coordinator is safe for concurrent use. Work on one task is serialized by
// that task's mutex; different tasks proceed in parallel.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.RWMutex
	tasks    map[string]*taskState
	restored []string // loaded by Restore, not yet resumed

	wg sync.WaitGroup
}

// New returns a Coordinator. AgentID, Sender and Planner are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("coordinator: empty agent id")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("coordinator %s: nil sender", cfg.AgentID)
	}
	if cfg.Planner == nil && len(cfg.Plans) == 0 {
		return nil, fmt.Errorf("coordinator %s: no planner and no named plans", cfg.AgentID)
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = graph.FailFast
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "coordinator", "agent_id", cfg.AgentID),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
		tasks:   make(map[string]*taskState),
	}, nil
}

// AgentID returns the coordinator's agent id.
func (c *Coordinator) AgentID() string { return c.cfg.AgentID }

// Wait blocks until background dispatches started by CreateTask and Restore
// have returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

type createOptions struct {
	requestID string
	plan      string
}

// CreateOption refines CreateTask.
type CreateOption func(*createOptions)

// WithRequestID echoes id in the task_ack so the requester can correlate it.
func WithRequestID(id string) CreateOption {
	return func(o *createOptions) { o.requestID = id }
}

// WithPlan uses the named configured plan instead of the planner.
func WithPlan(name string) CreateOption {
	return func(o *createOptions) { o.plan = name }
}

// CreateTask decomposes description, stores the graph under a new id, acks
// the requester and starts dispatch in the background. On failure no graph
// is stored, the requester gets a rejected ack, and the error is returned.
func (c *Coordinator) CreateTask(ctx context.Context, description, requesterID string, opts ...CreateOption) (string, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "coordinator.create_task",
		otelpkg.AttrAgentID.String(c.cfg.AgentID),
		otelpkg.AttrFailurePolicy.String(string(c.cfg.FailurePolicy)),
	)
	defer span.End()

	plan, err := c.plan(ctx, description, o.plan)
	if err == nil && len(plan.Subtasks) == 0 {
		err = fmt.Errorf("plan has no subtasks")
	}
	taskID := uuid.NewString()
	var g *graph.SubtaskGraph
	if err == nil {
		g, err = graph.New(taskID, description, requesterID, plan.Subtasks,
			graph.WithFailurePolicy(c.cfg.FailurePolicy),
			graph.WithPlanSummary(plan.Summary),
			graph.WithClock(c.now),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("task rejected", "requester_id", requesterID, "error", err)
		ack := message.TaskAck{
			Status:        message.AckRejected,
			CoordinatorID: c.cfg.AgentID,
			RequestID:     o.requestID,
			Error:         err.Error(),
		}
		if sendErr := c.cfg.Sender.Send(ctx, requesterID, ack); sendErr != nil {
			c.logger.Error("send rejected ack failed", "requester_id", requesterID, "error", sendErr)
		}
		return "", err
	}

	st := &taskState{g: g, dispatchedAt: make(map[string]time.Time)}
	c.mu.Lock()
	c.tasks[taskID] = st
	c.mu.Unlock()

	span.SetAttributes(otelpkg.AttrTaskID.String(taskID), otelpkg.AttrSubtaskCount.Int(len(plan.Subtasks)))
	c.metrics.ActiveTasks.Add(ctx, 1)
	c.logger.Info("task created", "task_id", taskID, "requester_id", requesterID, "subtasks", len(plan.Subtasks))
	c.save(ctx, g)

	ack := message.TaskAck{
		TaskID:        taskID,
		Status:        message.AckAccepted,
		CoordinatorID: c.cfg.AgentID,
		RequestID:     o.requestID,
	}
	if err := c.cfg.Sender.Send(ctx, requesterID, ack); err != nil {
		c.logger.Error("send task ack failed", "task_id", taskID, "requester_id", requesterID, "error", err)
	}

	c.dispatchAsync(context.WithoutCancel(ctx), taskID)
	return taskID, nil
}

func (c *Coordinator) plan(ctx context.Context, description, name string) (decompose.Plan, error) {
	if name != "" {
		p, ok := c.cfg.Plans[name]
		if !ok {
			return decompose.Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
		}
		return p, nil
	}
	if c.cfg.Planner == nil {
		return decompose.Plan{}, fmt.Errorf("no planner configured; name a plan")
	}
	return c.cfg.Planner.Decompose(ctx, description, c.cfg.AgentID)
}

func (c *Coordinator) dispatchAsync(ctx context.Context, taskID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.DispatchReady(ctx, taskID); err != nil {
			c.logger.Error("dispatch failed", "task_id", taskID, "error", err)
		}
	}()
}

func (c *Coordinator) lookup(taskID string) (*taskState, error) {
	c.mu.RLock()
	st, ok := c.tasks[taskID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return st, nil
}

// DispatchReady sends an assignment for every ready subtask of taskID. It is
// re-entrant and serialized per task, so concurrent calls never assign a
// subtask twice. A subtask whose send fails stays ASSIGNED.
func (c *Coordinator) DispatchReady(ctx context.Context, taskID string) error {
	st, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.dispatchLocked(ctx, st)
	c.finishLocked(ctx, st)
	return nil
}

// dispatchLocked assigns every ready subtask and persists the graph when any
// subtask moved, so a restart sees what was already sent.
func (c *Coordinator) dispatchLocked(ctx context.Context, st *taskState) {
	g := st.g
	moved := 0
	for _, sub := range g.ReadySubtasks() {
		if !g.UpdateSubtask(sub.ID, graph.StatusAssigned, "", "") {
			continue
		}
		moved++
		c.sendAssignmentLocked(ctx, st, sub)
	}
	if moved > 0 {
		c.save(ctx, g)
	}
}

// sendAssignmentLocked sends one assignment for an ASSIGNED subtask and moves
// it to IN_PROGRESS on success.
func (c *Coordinator) sendAssignmentLocked(ctx context.Context, st *taskState, sub graph.Subtask) bool {
	g := st.g
	taskID := g.TaskID()
	ctx = shared.WithSubtaskID(shared.WithTaskID(ctx, taskID), sub.ID)
	ctx, span := otelpkg.StartProducerSpan(ctx, c.tracer, "coordinator.dispatch",
		otelpkg.AttrTaskID.String(taskID),
		otelpkg.AttrSubtaskID.String(sub.ID),
		otelpkg.AttrRecipientID.String(sub.AssignedTo),
	)
	defer span.End()

	assignment := message.SubtaskAssignment{
		TaskID:          taskID,
		SubtaskID:       sub.ID,
		Description:     sub.Description,
		SuccessCriteria: sub.SuccessCriteria,
		Dependencies:    sub.Dependencies,
	}
	if err := c.cfg.Sender.Send(ctx, sub.AssignedTo, assignment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("send assignment failed; subtask left ASSIGNED",
			"task_id", taskID, "subtask_id", sub.ID, "assigned_to", sub.AssignedTo, "error", err)
		return false
	}
	if !g.UpdateSubtask(sub.ID, graph.StatusInProgress, "", "") {
		c.logger.Warn("subtask changed state during dispatch", "task_id", taskID, "subtask_id", sub.ID)
		return false
	}
	st.dispatchedAt[sub.ID] = c.now()
	c.metrics.SubtasksDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("assigned_to", sub.AssignedTo)))
	c.publishSubtask(taskID, sub.ID, sub.AssignedTo, graph.StatusInProgress)
	c.logger.Info("subtask dispatched", "task_id", taskID, "subtask_id", sub.ID, "assigned_to", sub.AssignedTo)
	c.notifyRequester(ctx, g, message.TaskStatusUpdate{
		TaskID:    taskID,
		SubtaskID: sub.ID,
		NewStatus: string(graph.StatusInProgress),
		Details:   "assigned to " + sub.AssignedTo,
	})
	return true
}

// OnSubtaskResult records a worker's outcome, dispatches newly ready
// subtasks and, once the graph is terminal, sends the single task_completed.
// Duplicate or out-of-order results return ErrStaleUpdate and change nothing.
func (c *Coordinator) OnSubtaskResult(ctx context.Context, taskID, subtaskID, status, result, errMsg string) error {
	var to graph.Status
	switch status {
	case message.StatusCompleted:
		to = graph.StatusCompleted
	case message.StatusFailed:
		to = graph.StatusFailed
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, status)
	}
	st, err := c.lookup(taskID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ctx = shared.WithSubtaskID(shared.WithTaskID(ctx, taskID), subtaskID)
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "coordinator.subtask_result",
		otelpkg.AttrTaskID.String(taskID),
		otelpkg.AttrSubtaskID.String(subtaskID),
		otelpkg.AttrStatus.String(status),
	)
	defer span.End()

	g := st.g
	if !g.UpdateSubtask(subtaskID, to, result, errMsg) {
		current, _ := g.Subtask(subtaskID)
		c.logger.Warn("subtask update rejected", "task_id", taskID, "subtask_id", subtaskID,
			"to", to, "current", current.Status, "graph_status", g.Status())
		return fmt.Errorf("%w: %s/%s -> %s", ErrStaleUpdate, taskID, subtaskID, to)
	}

	if at, ok := st.dispatchedAt[subtaskID]; ok {
		c.metrics.SubtaskDuration.Record(ctx, c.now().Sub(at).Seconds(),
			metric.WithAttributes(otelpkg.AttrStatus.String(string(to))))
		delete(st.dispatchedAt, subtaskID)
	}
	sub, _ := g.Subtask(subtaskID)
	c.publishSubtask(taskID, subtaskID, sub.AssignedTo, to)
	c.logger.Info("subtask finished", "task_id", taskID, "subtask_id", subtaskID, "status", to)
	c.save(ctx, g)

	c.dispatchLocked(ctx, st)
	c.finishLocked(ctx, st)
	return nil
}

// MarkSubtaskFailed fails an IN_PROGRESS subtask on the caller's behalf, for
// workers that will never answer.
func (c *Coordinator) MarkSubtaskFailed(ctx context.Context, taskID, subtaskID, reason string) error {
	st, err := c.lookup(taskID)
	if err != nil {
		return err
	}
	sub, ok := st.g.Subtask(subtaskID)
	if !ok || sub.Status != graph.StatusInProgress {
		return fmt.Errorf("%w: %s/%s", ErrNotInProgress, taskID, subtaskID)
	}
	if reason == "" {
		reason = "marked failed by operator"
	}
	return c.OnSubtaskResult(ctx, taskID, subtaskID, message.StatusFailed, "", reason)
}

// finishLocked sends task_completed the first time the graph is terminal.
func (c *Coordinator) finishLocked(ctx context.Context, st *taskState) {
	g := st.g
	status := g.Status()
	if status == graph.TaskActive || st.completionSent {
		return
	}
	st.completionSent = true

	elapsed := g.Elapsed().Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	done := message.TaskCompleted{
		TaskID:         g.TaskID(),
		Status:         string(status),
		Results:        g.Results(),
		Summary:        c.summarize(ctx, g, status),
		ElapsedSeconds: elapsed,
	}
	if errs := g.Errors(); len(errs) > 0 {
		done.Errors = errs
	}

	c.metrics.ActiveTasks.Add(ctx, -1)
	c.metrics.TaskDuration.Record(ctx, elapsed, metric.WithAttributes(otelpkg.AttrStatus.String(string(status))))
	c.save(ctx, g)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TopicGraphFinished, bus.GraphFinishedEvent{
			TaskID:         g.TaskID(),
			RequesterID:    g.RequesterID(),
			Status:         string(status),
			ElapsedSeconds: elapsed,
		})
	}
	c.logger.Info("task finished", "task_id", g.TaskID(), "status", status, "elapsed_seconds", elapsed,
		"completed", len(done.Results), "failed", len(done.Errors))

	if err := c.cfg.Sender.Send(ctx, g.RequesterID(), done); err != nil {
		c.logger.Error("send task completion failed", "task_id", g.TaskID(), "requester_id", g.RequesterID(), "error", err)
	}
}

func (c *Coordinator) summarize(ctx context.Context, g *graph.SubtaskGraph, status graph.TaskStatus) string {
	if c.cfg.Summarizer == nil || status != graph.TaskCompleted {
		return g.PlanSummary()
	}
	out, err := c.cfg.Summarizer.Generate(ctx, buildSummaryPrompt(g))
	if err != nil {
		c.logger.Warn("summary generation failed; using plan summary", "task_id", g.TaskID(), "error", err)
		return g.PlanSummary()
	}
	return out
}

// OnStatusUpdate relays a worker's progress report to the task's requester.
// Updates sent by the coordinator itself are not relayed again.
func (c *Coordinator) OnStatusUpdate(ctx context.Context, senderID string, u message.TaskStatusUpdate) error {
	st, err := c.lookup(u.TaskID)
	if err != nil {
		return err
	}
	if senderID == c.cfg.AgentID {
		return nil
	}
	c.notifyRequester(ctx, st.g, u)
	return nil
}

func (c *Coordinator) notifyRequester(ctx context.Context, g *graph.SubtaskGraph, u message.TaskStatusUpdate) {
	if err := c.cfg.Sender.Send(ctx, g.RequesterID(), u); err != nil {
		c.logger.Warn("send status update failed", "task_id", u.TaskID, "requester_id", g.RequesterID(), "error", err)
	}
}

func (c *Coordinator) publishSubtask(taskID, subtaskID, agentID string, status graph.Status) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(bus.TopicGraphSubtaskUpdated, bus.GraphSubtaskEvent{
		TaskID:    taskID,
		SubtaskID: subtaskID,
		AgentID:   agentID,
		NewStatus: string(status),
	})
}

// Graph returns a snapshot of one task.
func (c *Coordinator) Graph(taskID string) (graph.Snapshot, error) {
	st, err := c.lookup(taskID)
	if err != nil {
		return graph.Snapshot{}, err
	}
	return st.g.Snapshot(), nil
}

// Results returns the outputs of the COMPLETED subtasks of one task.
func (c *Coordinator) Results(taskID string) (map[string]string, error) {
	st, err := c.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return st.g.Results(), nil
}

// Tasks returns snapshots of every retained task, oldest first.
func (c *Coordinator) Tasks() []graph.Snapshot {
	c.mu.RLock()
	out := make([]graph.Snapshot, 0, len(c.tasks))
	for _, st := range c.tasks {
		out = append(out, st.g.Snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Evict drops a terminal task from memory. Active tasks are refused.
func (c *Coordinator) Evict(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if st.g.Status() == graph.TaskActive {
		return fmt.Errorf("%w: %s", ErrTaskActive, taskID)
	}
	delete(c.tasks, taskID)
	return nil
}

func (c *Coordinator) save(ctx context.Context, g *graph.SubtaskGraph) {
	if c.cfg.Store == nil {
		return
	}
	if err := c.cfg.Store.SaveGraph(ctx, c.cfg.AgentID, g.Snapshot()); err != nil {
		c.logger.Warn("graph snapshot failed", "task_id", g.TaskID(), "error", err)
	}
}
