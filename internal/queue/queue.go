// Package queue is an agent's local work queue: priority-ordered tasks with a
// single running slot and a pause/resume/cancel lifecycle. Every state
// transition is reported to registered listeners.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("worker task not found")
	ErrNotRunning = errors.New("worker task is not running")
	ErrDuplicate  = errors.New("worker task already queued")
	ErrTerminal   = errors.New("worker task already finished")
)

// Priority orders pending work; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts low, normal, high, urgent. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Metadata keys linking a worker task back to a coordinator's subtask.
const (
	MetaGraphTaskID     = "graph_task_id"
	MetaSubtaskID       = "subtask_id"
	MetaSuccessCriteria = "success_criteria"
	MetaDependencies    = "dependencies"
)

// Task is a unit of work owned by one agent.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	SenderID    string            `json:"sender_id"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Collaborative returns the coordinator's task and subtask ids when the task
// was created from a subtask assignment.
func (t Task) Collaborative() (graphTaskID, subtaskID string, ok bool) {
	graphTaskID = t.Metadata[MetaGraphTaskID]
	subtaskID = t.Metadata[MetaSubtaskID]
	return graphTaskID, subtaskID, graphTaskID != "" && subtaskID != ""
}

func (t *Task) snapshot() Task {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Event describes one state transition. From is empty for the initial enqueue.
type Event struct {
	AgentID string
	Task    Task
	From    Status
	To      Status
	At      time.Time
}

// Listener observes transitions. Listeners run on the goroutine that caused
// the transition, one transition at a time and in the order the transitions
// happened. They must not block for long and must not call back into the
// Queue synchronously.
type Listener interface {
	OnTransition(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnTransition(e Event) { f(e) }

type item struct {
	task   *Task
	pinned bool // paused work resumes ahead of everything else
}

// Queue holds an agent's local tasks. At most one task is RUNNING.
type Queue struct {
	mu        sync.Mutex
	emitMu    sync.Mutex
	agentID   string
	pending   []*item
	running   *Task
	held      bool
	tasks     map[string]*Task
	listeners []Listener
	ready     chan struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty queue for agentID.
func New(agentID string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		agentID: agentID,
		tasks:   make(map[string]*Task),
		ready:   make(chan struct{}, 1),
		logger:  logger.With("component", "queue", "agent_id", agentID),
		now:     time.Now,
	}
}

// AddListener registers l for all future transitions.
func (q *Queue) AddListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Ready is signaled whenever work may have become startable.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue adds a PENDING task. ID, CreatedAt and Priority are filled in when
// empty. Higher priority sorts earlier; equal priority keeps insertion order.
func (q *Queue) Enqueue(t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}

	q.mu.Lock()
	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}
	t.Status = StatusPending
	t.StartedAt, t.EndedAt = nil, nil
	task := t.snapshot()
	q.tasks[task.ID] = &task
	q.insertLocked(&item{task: &task})
	ev := q.eventLocked(&task, "")
	q.unlockAndEmit(ev)
	q.signal()
	return ev.Task, nil
}

func (q *Queue) insertLocked(it *item) {
	pos := len(q.pending)
	for i, other := range q.pending {
		if other.pinned {
			continue
		}
		if other.task.Priority < it.task.Priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = it
}

// PeekNext returns the task StartNext would start, without starting it.
func (q *Queue) PeekNext() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Task{}, false
	}
	return q.pending[0].task.snapshot(), true
}

// StartNext moves the head of the queue to RUNNING. It returns false when a
// task is already running, the queue is held by Pause, or nothing is pending.
func (q *Queue) StartNext() (Task, bool) {
	q.mu.Lock()
	if q.running != nil || q.held || len(q.pending) == 0 {
		q.mu.Unlock()
		return Task{}, false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	task := it.task
	from := task.Status
	task.Status = StatusRunning
	if task.StartedAt == nil {
		now := q.now()
		task.StartedAt = &now
	}
	q.running = task
	ev := q.eventLocked(task, from)
	q.unlockAndEmit(ev)
	return ev.Task, true
}

// Complete finishes the running task taskID with result.
func (q *Queue) Complete(taskID, result string) (Task, error) {
	return q.finish(taskID, StatusCompleted, result, "")
}

// Fail finishes the running task taskID with errMsg.
func (q *Queue) Fail(taskID, errMsg string) (Task, error) {
	return q.finish(taskID, StatusFailed, "", errMsg)
}

func (q *Queue) finish(taskID string, to Status, result, errMsg string) (Task, error) {
	q.mu.Lock()
	if q.running == nil || q.running.ID != taskID {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	task := q.running
	q.running = nil
	task.Status = to
	task.Result = result
	task.Error = errMsg
	now := q.now()
	task.EndedAt = &now
	ev := q.eventLocked(task, StatusRunning)
	q.unlockAndEmit(ev)
	q.signal()
	return ev.Task, nil
}

// Pause moves the running task to PAUSED at the front of the queue and holds
// the queue until Resume. With nothing running it only holds the queue.
func (q *Queue) Pause() (Task, bool) {
	q.mu.Lock()
	q.held = true
	task := q.running
	if task == nil {
		q.mu.Unlock()
		return Task{}, false
	}
	q.running = nil
	task.Status = StatusPaused
	q.pending = append([]*item{{task: task, pinned: true}}, q.pending...)
	ev := q.eventLocked(task, StatusRunning)
	q.unlockAndEmit(ev)
	return ev.Task, true
}

// Resume releases a hold placed by Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.held = false
	q.mu.Unlock()
	q.signal()
}

// Held reports whether the queue is paused.
func (q *Queue) Held() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.held
}

// Cancel removes a queued task or cancels the running one.
func (q *Queue) Cancel(taskID string) (Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if task.Status.Terminal() {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, task.Status)
	}
	from := task.Status
	if q.running == task {
		q.running = nil
	} else {
		for i, it := range q.pending {
			if it.task == task {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	task.Status = StatusCanceled
	now := q.now()
	task.EndedAt = &now
	ev := q.eventLocked(task, from)
	q.unlockAndEmit(ev)
	q.signal()
	return ev.Task, nil
}

// Get returns a copy of any task the queue has seen.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Running returns the running task, if any.
func (q *Queue) Running() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		return Task{}, false
	}
	return q.running.snapshot(), true
}

// Pending returns queued tasks in start order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, it := range q.pending {
		out = append(out, it.task.snapshot())
	}
	return out
}

// Len is the number of queued (not running) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) eventLocked(t *Task, from Status) Event {
	return Event{
		AgentID: q.agentID,
		Task:    t.snapshot(),
		From:    from,
		To:      t.Status,
		At:      q.now(),
	}
}

// unlockAndEmit releases q.mu and runs the listeners for ev. emitMu is taken
// before q.mu is released, so listeners observe transitions in the order
// they happened. Listeners must not call back into the queue.
func (q *Queue) unlockAndEmit(ev Event) {
	listeners := q.listeners
	q.emitMu.Lock()
	q.mu.Unlock()
	defer q.emitMu.Unlock()
	for _, l := range listeners {
		q.notify(l, ev)
	}
}

func (q *Queue) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue listener panicked",
				"task_id", ev.Task.ID,
				"from", ev.From,
				"to", ev.To,
				"panic", r,
			)
		}
	}()
	l.OnTransition(ev)
}
