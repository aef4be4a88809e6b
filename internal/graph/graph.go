// Package graph holds the dependency-aware state of one collaborative task:
// its subtasks, their state machine, and readiness.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrCycle indicates the dependency edges form a cycle.
var ErrCycle = errors.New("cycle detected in subtask dependencies")

// Status is a subtask state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// TaskStatus is the state of the whole graph.
type TaskStatus string

const (
	TaskActive    TaskStatus = "ACTIVE"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// FailurePolicy decides what a FAILED subtask does to the graph.
type FailurePolicy string

const (
	// FailFast fails the graph on the first FAILED subtask.
	FailFast FailurePolicy = "fail_fast"
	// Continue keeps dispatching independent work and fails the graph with
	// partial results once nothing else can run.
	Continue FailurePolicy = "continue"
)

// ParseFailurePolicy maps a config string to a policy. Empty means FailFast.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailFast:
		return FailFast, nil
	case Continue:
		return Continue, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (supported: fail_fast, continue)", s)
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusAssigned: {},
	},
	StatusAssigned: {
		StatusInProgress: {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// CanTransition reports whether from -> to is an edge of the subtask state machine.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Subtask is one unit of decomposed work.
type Subtask struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	AssignedTo      string     `json:"assigned_to"`
	Dependencies    []string   `json:"dependencies"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Status          Status     `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func (s Subtask) clone() Subtask {
	s.Dependencies = slices.Clone(s.Dependencies)
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

// SubtaskGraph is the state container for one collaborative task. It is safe
// for concurrent use.
type SubtaskGraph struct {
	mu sync.RWMutex

	taskID      string
	description string
	requesterID string
	planSummary string
	policy      FailurePolicy
	status      TaskStatus
	createdAt   time.Time
	endedAt     *time.Time

	order    []string
	subtasks map[string]*Subtask

	now func() time.Time
}

// Option configures a graph at construction.
type Option func(*SubtaskGraph)

// WithFailurePolicy sets the failure policy. Default FailFast.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(g *SubtaskGraph) { g.policy = p }
}

// WithPlanSummary records the decomposer's plan summary.
func WithPlanSummary(summary string) Option {
	return func(g *SubtaskGraph) { g.planSummary = summary }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *SubtaskGraph) { g.now = now }
}

// New validates the subtasks and builds an ACTIVE graph with every subtask
// PENDING, preserving the given order.
func New(taskID, description, requesterID string, subtasks []Subtask, opts ...Option) (*SubtaskGraph, error) {
	if taskID == "" {
		return nil, fmt.Errorf("graph: empty task id")
	}
	if err := Validate(subtasks); err != nil {
		return nil, err
	}
	g := &SubtaskGraph{
		taskID:      taskID,
		description: description,
		requesterID: requesterID,
		policy:      FailFast,
		status:      TaskActive,
		subtasks:    make(map[string]*Subtask, len(subtasks)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.createdAt = g.now()
	for _, st := range subtasks {
		st = st.clone()
		if st.Dependencies == nil {
			st.Dependencies = []string{}
		}
		st.Status = StatusPending
		st.Result, st.Error = "", ""
		st.StartedAt, st.EndedAt = nil, nil
		g.order = append(g.order, st.ID)
		g.subtasks[st.ID] = &st
	}
	return g, nil
}

// Validate checks ids are present and unique, descriptions are present,
// dependencies reference known subtasks, and the edges are acyclic.
func Validate(subtasks []Subtask) error {
	if len(subtasks) == 0 {
		return fmt.Errorf("graph has no subtasks")
	}
	seen := make(map[string]bool, len(subtasks))
	for _, s := range subtasks {
		if s.ID == "" {
			return fmt.Errorf("subtask has empty id")
		}
		if s.Description == "" {
			return fmt.Errorf("subtask %s has empty description", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate subtask id: %s", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range subtasks {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", s.ID, dep)
			}
		}
	}
	_, err := Waves(subtasks)
	return err
}

// Waves groups subtasks into dependency levels using Kahn's algorithm: wave 0
// has no dependencies, wave n depends only on earlier waves. Returns ErrCycle
// when no progress can be made.
func Waves(subtasks []Subtask) ([][]string, error) {
	var waves [][]string
	processed := make(map[string]bool, len(subtasks))

	for len(processed) < len(subtasks) {
		var wave []string
		for _, s := range subtasks {
			if processed[s.ID] {
				continue
			}
			canRun := true
			for _, dep := range s.Dependencies {
				if !processed[dep] {
					canRun = false
					break
				}
			}
			if canRun {
				wave = append(wave, s.ID)
			}
		}
		if len(wave) == 0 {
			return nil, ErrCycle
		}
		waves = append(waves, wave)
		for _, id := range wave {
			processed[id] = true
		}
	}
	return waves, nil
}

func (g *SubtaskGraph) TaskID() string      { return g.taskID }
func (g *SubtaskGraph) Description() string { return g.description }
func (g *SubtaskGraph) RequesterID() string { return g.requesterID }
func (g *SubtaskGraph) PlanSummary() string { return g.planSummary }
func (g *SubtaskGraph) CreatedAt() time.Time {
	return g.createdAt
}
func (g *SubtaskGraph) Policy() FailurePolicy { return g.policy }

// Status returns the graph status.
func (g *SubtaskGraph) Status() TaskStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// EndedAt returns when the graph became terminal, or nil.
func (g *SubtaskGraph) EndedAt() *time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.endedAt == nil {
		return nil
	}
	t := *g.endedAt
	return &t
}

// Elapsed is the time from creation to the terminal transition, or to now
// while ACTIVE.
func (g *SubtaskGraph) Elapsed() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	end := g.now()
	if g.endedAt != nil {
		end = *g.endedAt
	}
	return end.Sub(g.createdAt)
}

// Subtask returns a copy of one subtask.
func (g *SubtaskGraph) Subtask(id string) (Subtask, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.subtasks[id]
	if !ok {
		return Subtask{}, false
	}
	return st.clone(), true
}

// Subtasks returns copies of all subtasks in insertion order.
func (g *SubtaskGraph) Subtasks() []Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Subtask, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.subtasks[id].clone())
	}
	return out
}

// ReadySubtasks returns the PENDING subtasks whose dependencies are all
// COMPLETED, in insertion order. A terminal graph has no ready subtasks.
func (g *SubtaskGraph) ReadySubtasks() []Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.status != TaskActive {
		return nil
	}
	var ready []Subtask
	for _, id := range g.order {
		if g.isReadyLocked(g.subtasks[id]) {
			ready = append(ready, g.subtasks[id].clone())
		}
	}
	return ready
}

func (g *SubtaskGraph) isReadyLocked(st *Subtask) bool {
	if st.Status != StatusPending {
		return false
	}
	for _, dep := range st.Dependencies {
		if g.subtasks[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// UpdateSubtask moves a subtask along the state machine. Invalid edges and
// unknown ids return false and leave state unchanged, since they usually come
// from duplicate or late messages. Dispatching out of PENDING is refused once
// the graph is terminal.
func (g *SubtaskGraph) UpdateSubtask(id string, to Status, result, errMsg string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.subtasks[id]
	if !ok {
		return false
	}
	if !CanTransition(st.Status, to) {
		return false
	}
	if st.Status == StatusPending && g.status != TaskActive {
		return false
	}

	now := g.now()
	st.Status = to
	switch to {
	case StatusInProgress:
		st.StartedAt = &now
	case StatusCompleted:
		st.Result = result
		st.EndedAt = &now
	case StatusFailed:
		st.Error = errMsg
		st.EndedAt = &now
	}
	g.recomputeLocked(now)
	return true
}

func (g *SubtaskGraph) recomputeLocked(now time.Time) {
	if g.status != TaskActive {
		return
	}
	allCompleted := true
	anyFailed := false
	progress := false
	for _, id := range g.order {
		st := g.subtasks[id]
		switch st.Status {
		case StatusCompleted:
			continue
		case StatusFailed:
			anyFailed = true
		case StatusAssigned, StatusInProgress:
			progress = true
		case StatusPending:
			if g.isReadyLocked(st) {
				progress = true
			}
		}
		allCompleted = false
	}

	switch {
	case allCompleted:
		g.status = TaskCompleted
	case anyFailed && g.policy == FailFast:
		g.status = TaskFailed
	case anyFailed && !progress:
		g.status = TaskFailed
	default:
		return
	}
	g.endedAt = &now
}

// Results returns the output of every COMPLETED subtask.
func (g *SubtaskGraph) Results() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string)
	for _, id := range g.order {
		if st := g.subtasks[id]; st.Status == StatusCompleted {
			out[id] = st.Result
		}
	}
	return out
}

// Errors returns the error of every FAILED subtask.
func (g *SubtaskGraph) Errors() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string)
	for _, id := range g.order {
		if st := g.subtasks[id]; st.Status == StatusFailed {
			out[id] = st.Error
		}
	}
	return out
}

// Counts tallies subtasks by status.
func (g *SubtaskGraph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Status]int)
	for _, st := range g.subtasks {
		out[st.Status]++
	}
	return out
}
