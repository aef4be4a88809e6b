package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/decompose"
	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/message"
)

type sent struct {
	to   string
	body message.Body
}

// recordingSender captures outbound messages. fail, when set, decides which
// sends error out.
type recordingSender struct {
	mu    sync.Mutex
	msgs  []sent
	fail  func(to string, body message.Body) bool
	onMsg func(to string, body message.Body)
}

func (s *recordingSender) Send(_ context.Context, to string, body message.Body) error {
	s.mu.Lock()
	fail := s.fail
	onMsg := s.onMsg
	if fail != nil && fail(to, body) {
		s.mu.Unlock()
		return errors.New("send failed")
	}
	s.msgs = append(s.msgs, sent{to: to, body: body})
	s.mu.Unlock()
	if onMsg != nil {
		onMsg(to, body)
	}
	return nil
}

func (s *recordingSender) setFail(f func(string, message.Body) bool) {
	s.mu.Lock()
	s.fail = f
	s.mu.Unlock()
}

func (s *recordingSender) assignments() []message.SubtaskAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.SubtaskAssignment
	for _, m := range s.msgs {
		if a, ok := m.body.(message.SubtaskAssignment); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *recordingSender) completions() []message.TaskCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.TaskCompleted
	for _, m := range s.msgs {
		if c, ok := m.body.(message.TaskCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingSender) acks() []message.TaskAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.TaskAck
	for _, m := range s.msgs {
		if a, ok := m.body.(message.TaskAck); ok {
			out = append(out, a)
		}
	}
	return out
}

type staticPlanner struct {
	plan decompose.Plan
	err  error
}

func (p staticPlanner) Decompose(context.Context, string, string) (decompose.Plan, error) {
	return p.plan, p.err
}

type memStore struct {
	mu    sync.Mutex
	snaps map[string]graph.Snapshot
}

func newMemStore() *memStore { return &memStore{snaps: make(map[string]graph.Snapshot)} }

func (m *memStore) SaveGraph(_ context.Context, _ string, snap graph.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.TaskID] = snap
	return nil
}

func (m *memStore) ActiveGraphs(context.Context, string) ([]graph.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []graph.Snapshot
	for _, s := range m.snaps {
		if s.Status == graph.TaskActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func sub(id, to string, deps ...string) graph.Subtask {
	if deps == nil {
		deps = []string{}
	}
	return graph.Subtask{ID: id, Description: "do " + id, AssignedTo: to, Dependencies: deps}
}

func newCoordinator(t *testing.T, s *recordingSender, plan decompose.Plan, mutate ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{AgentID: "coord", Sender: s, Planner: staticPlanner{plan: plan}}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func mustCreate(t *testing.T, c *Coordinator) string {
	t.Helper()
	id, err := c.CreateTask(context.Background(), "write a report", "user")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	c.Wait()
	return id
}

func statusOf(t *testing.T, c *Coordinator, taskID, subtaskID string) graph.Status {
	t.Helper()
	snap, err := c.Graph(taskID)
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	for _, s := range snap.Subtasks {
		if s.ID == subtaskID {
			return s.Status
		}
	}
	t.Fatalf("subtask %s not found", subtaskID)
	return ""
}

func TestNew_RequiresFields(t *testing.T) {
	s := &recordingSender{}
	if _, err := New(Config{Sender: s, Planner: staticPlanner{}}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
	if _, err := New(Config{AgentID: "c", Planner: staticPlanner{}}); err == nil {
		t.Fatal("expected error for nil sender")
	}
	if _, err := New(Config{AgentID: "c", Sender: s}); err == nil {
		t.Fatal("expected error without planner or plans")
	}
}

func TestCreateTask_AcksAndDispatchesRoots(t *testing.T) {
	s := &recordingSender{}
	plan := decompose.Plan{Summary: "two steps", Subtasks: []graph.Subtask{
		sub("a", "w1"),
		sub("b", "w2", "a"),
	}}
	c := newCoordinator(t, s, plan)
	id, err := c.CreateTask(context.Background(), "write a report", "user", WithRequestID("req-1"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	c.Wait()

	acks := s.acks()
	if len(acks) != 1 || acks[0].Status != message.AckAccepted || acks[0].TaskID != id || acks[0].RequestID != "req-1" {
		t.Fatalf("acks = %+v", acks)
	}
	as := s.assignments()
	if len(as) != 1 || as[0].SubtaskID != "a" {
		t.Fatalf("assignments = %+v, want only a", as)
	}
	if got := statusOf(t, c, id, "a"); got != graph.StatusInProgress {
		t.Fatalf("a = %s, want IN_PROGRESS", got)
	}
	if got := statusOf(t, c, id, "b"); got != graph.StatusPending {
		t.Fatalf("b = %s, want PENDING", got)
	}
}

func TestCreateTask_RejectsFailedDecomposition(t *testing.T) {
	s := &recordingSender{}
	c, err := New(Config{AgentID: "coord", Sender: s, Planner: staticPlanner{err: errors.New("cycle")}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateTask(context.Background(), "x", "user", WithRequestID("r")); err == nil {
		t.Fatal("expected error")
	}
	acks := s.acks()
	if len(acks) != 1 || acks[0].Status != message.AckRejected || acks[0].Error == "" || acks[0].RequestID != "r" {
		t.Fatalf("acks = %+v, want one rejection", acks)
	}
	if len(c.Tasks()) != 0 {
		t.Fatal("rejected task must not be stored")
	}
}

func TestCreateTask_NamedPlan(t *testing.T) {
	s := &recordingSender{}
	plans := map[string]decompose.Plan{"solo": {Subtasks: []graph.Subtask{sub("only", "w1")}}}
	c, err := New(Config{AgentID: "coord", Sender: s, Plans: plans})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateTask(context.Background(), "x", "user", WithPlan("solo")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	c.Wait()
	if as := s.assignments(); len(as) != 1 || as[0].SubtaskID != "only" {
		t.Fatalf("assignments = %+v", as)
	}
	if _, err := c.CreateTask(context.Background(), "x", "user", WithPlan("missing")); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("err = %v, want ErrUnknownPlan", err)
	}
}

func TestDispatchReady_ConcurrentCallsAssignOnce(t *testing.T) {
	s := &recordingSender{}
	plan := decompose.Plan{Subtasks: []graph.Subtask{
		sub("a", "w1"), sub("b", "w2"), sub("c", "w3"), sub("d", "w1", "a", "b", "c"),
	}}
	c := newCoordinator(t, s, plan)
	id, err := c.CreateTask(context.Background(), "x", "user")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.DispatchReady(context.Background(), id)
		}()
	}
	wg.Wait()
	c.Wait()

	counts := map[string]int{}
	for _, a := range s.assignments() {
		counts[a.SubtaskID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 1 {
			t.Fatalf("subtask %s assigned %d times, want 1 (counts=%v)", id, counts[id], counts)
		}
	}
	if counts["d"] != 0 {
		t.Fatalf("d dispatched before its dependencies: %v", counts)
	}
}

func TestEndToEnd_FanInWithWorkers(t *testing.T) {
	s := &recordingSender{}
	plan := decompose.Plan{Summary: "fan in", Subtasks: []graph.Subtask{
		sub("research", "w1"), sub("outline", "w2"), sub("sources", "w3"),
		sub("draft", "w2", "research", "outline", "sources"),
	}}
	c := newCoordinator(t, s, plan)

	var workers sync.WaitGroup
	s.onMsg = func(to string, body message.Body) {
		a, ok := body.(message.SubtaskAssignment)
		if !ok {
			return
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			out := fmt.Sprintf("%s by %s", a.SubtaskID, to)
			if err := c.OnSubtaskResult(context.Background(), a.TaskID, a.SubtaskID, message.StatusCompleted, out, ""); err != nil {
				t.Errorf("OnSubtaskResult(%s): %v", a.SubtaskID, err)
			}
		}()
	}

	id := mustCreate(t, c)
	snap, err := c.WaitForTask(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
	workers.Wait()
	c.Wait()

	if snap.Status != graph.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", snap.Status)
	}
	done := s.completions()
	if len(done) != 1 {
		t.Fatalf("got %d task_completed messages, want 1", len(done))
	}
	tc := done[0]
	if tc.Status != message.StatusCompleted || len(tc.Results) != 4 || len(tc.Errors) != 0 {
		t.Fatalf("completion = %+v", tc)
	}
	if tc.Results["draft"] != "draft by w2" {
		t.Fatalf("draft result = %q", tc.Results["draft"])
	}
	if tc.ElapsedSeconds < 0 {
		t.Fatalf("elapsed = %v", tc.ElapsedSeconds)
	}
	if tc.Summary != "fan in" {
		t.Fatalf("summary = %q, want plan summary", tc.Summary)
	}
}

func TestOnSubtaskResult_StaleAndUnknown(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w1")}})
	id := mustCreate(t, c)
	ctx := context.Background()

	if err := c.OnSubtaskResult(ctx, id, "a", message.StatusCompleted, "ok", ""); err != nil {
		t.Fatal(err)
	}
	if err := c.OnSubtaskResult(ctx, id, "a", message.StatusCompleted, "again", ""); !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("duplicate err = %v, want ErrStaleUpdate", err)
	}
	if res, _ := c.Results(id); res["a"] != "ok" {
		t.Fatalf("duplicate overwrote result: %q", res["a"])
	}
	if err := c.OnSubtaskResult(ctx, "nope", "a", message.StatusCompleted, "", ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if err := c.OnSubtaskResult(ctx, id, "b", "DONE", "", ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("err = %v, want ErrInvalidOutcome", err)
	}
}

func TestFailFast_CompletesOnceOnFirstFailure(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{
		sub("a", "w1"), sub("b", "w2"), sub("c", "w1", "b"),
	}})
	id := mustCreate(t, c)
	ctx := context.Background()

	if err := c.OnSubtaskResult(ctx, id, "a", message.StatusFailed, "", "boom"); err != nil {
		t.Fatal(err)
	}
	done := s.completions()
	if len(done) != 1 || done[0].Status != message.StatusFailed || done[0].Errors["a"] != "boom" {
		t.Fatalf("completions = %+v", done)
	}
	// A late result for b is recorded but neither dispatches c nor reports again.
	if err := c.OnSubtaskResult(ctx, id, "b", message.StatusCompleted, "late", ""); err != nil {
		t.Fatal(err)
	}
	if n := len(s.completions()); n != 1 {
		t.Fatalf("task_completed sent %d times", n)
	}
	if got := statusOf(t, c, id, "c"); got != graph.StatusPending {
		t.Fatalf("c = %s, want PENDING", got)
	}
}

func TestContinue_RunsIndependentBranches(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{
		sub("a", "w1"), sub("b", "w2"), sub("c", "w1", "a"), sub("d", "w2", "b"),
	}}, func(cfg *Config) { cfg.FailurePolicy = graph.Continue })
	id := mustCreate(t, c)
	ctx := context.Background()

	if err := c.OnSubtaskResult(ctx, id, "a", message.StatusFailed, "", "boom"); err != nil {
		t.Fatal(err)
	}
	if len(s.completions()) != 0 {
		t.Fatal("continue policy finished early")
	}
	if err := c.OnSubtaskResult(ctx, id, "b", message.StatusCompleted, "b-out", ""); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if got := statusOf(t, c, id, "d"); got != graph.StatusInProgress {
		t.Fatalf("d = %s, want IN_PROGRESS", got)
	}
	if err := c.OnSubtaskResult(ctx, id, "d", message.StatusCompleted, "d-out", ""); err != nil {
		t.Fatal(err)
	}
	done := s.completions()
	if len(done) != 1 || done[0].Status != message.StatusFailed {
		t.Fatalf("completions = %+v", done)
	}
	if done[0].Results["b"] != "b-out" || done[0].Results["d"] != "d-out" || done[0].Errors["a"] != "boom" {
		t.Fatalf("completion = %+v", done[0])
	}
}

func TestRetryAssignment(t *testing.T) {
	s := &recordingSender{}
	s.fail = func(to string, body message.Body) bool {
		_, isAssign := body.(message.SubtaskAssignment)
		return isAssign && to == "w1"
	}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2")}})
	id := mustCreate(t, c)
	ctx := context.Background()

	if got := statusOf(t, c, id, "a"); got != graph.StatusAssigned {
		t.Fatalf("a = %s, want ASSIGNED after failed send", got)
	}
	if err := c.RetryAssignment(ctx, id, "a"); err == nil {
		t.Fatal("retry should fail while the send still fails")
	}

	s.setFail(nil)
	if err := c.RetryAssignment(ctx, id, "a"); err != nil {
		t.Fatalf("RetryAssignment: %v", err)
	}
	if got := statusOf(t, c, id, "a"); got != graph.StatusInProgress {
		t.Fatalf("a = %s, want IN_PROGRESS", got)
	}
	if err := c.RetryAssignment(ctx, id, "b"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("err = %v, want ErrNotAssigned", err)
	}
}

func TestRetryStuck(t *testing.T) {
	s := &recordingSender{}
	s.fail = func(string, message.Body) bool { return true }
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2")}})
	mustCreate(t, c)

	s.setFail(nil)
	if n := c.RetryStuck(context.Background()); n != 2 {
		t.Fatalf("RetryStuck = %d, want 2", n)
	}
}

func TestMarkSubtaskFailed(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2", "a")}})
	id := mustCreate(t, c)
	ctx := context.Background()

	if err := c.MarkSubtaskFailed(ctx, id, "b", ""); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("err = %v, want ErrNotInProgress", err)
	}
	if err := c.MarkSubtaskFailed(ctx, id, "a", "worker gone"); err != nil {
		t.Fatal(err)
	}
	done := s.completions()
	if len(done) != 1 || done[0].Errors["a"] != "worker gone" {
		t.Fatalf("completions = %+v", done)
	}
}

func TestEvict(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1")}})
	id := mustCreate(t, c)

	if err := c.Evict(id); !errors.Is(err, ErrTaskActive) {
		t.Fatalf("err = %v, want ErrTaskActive", err)
	}
	if err := c.OnSubtaskResult(context.Background(), id, "a", message.StatusCompleted, "ok", ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Evict(id); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := c.Graph(id); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if err := c.Evict(id); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("second evict err = %v", err)
	}
}

func TestOnStatusUpdate_RelaysWorkerProgressOnly(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1")}})
	id := mustCreate(t, c)

	count := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for _, m := range s.msgs {
			if u, ok := m.body.(message.TaskStatusUpdate); ok && u.Details == "halfway" {
				n++
			}
		}
		return n
	}
	u := message.TaskStatusUpdate{TaskID: id, SubtaskID: "a", NewStatus: "IN_PROGRESS", Details: "halfway"}
	if err := c.OnStatusUpdate(context.Background(), "w1", u); err != nil {
		t.Fatal(err)
	}
	if err := c.OnStatusUpdate(context.Background(), "coord", u); err != nil {
		t.Fatal(err)
	}
	if n := count(); n != 1 {
		t.Fatalf("relayed %d updates, want 1", n)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	store := newMemStore()
	s := &recordingSender{}
	plan := decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2", "a")}}
	c := newCoordinator(t, s, plan, func(cfg *Config) { cfg.Store = store })
	id := mustCreate(t, c)
	if n, err := c.Snapshot(context.Background()); err != nil || n != 1 {
		t.Fatalf("Snapshot = %d, %v", n, err)
	}

	// A fresh coordinator picks the task up and finishes it.
	s2 := &recordingSender{}
	c2 := newCoordinator(t, s2, plan, func(cfg *Config) { cfg.Store = store })
	n, err := c2.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if n := c2.Resume(context.Background()); n != 1 {
		t.Fatalf("Resume = %d, want 1", n)
	}
	c2.Wait()
	if got := statusOf(t, c2, id, "a"); got != graph.StatusInProgress {
		t.Fatalf("restored a = %s", got)
	}
	if err := c2.OnSubtaskResult(context.Background(), id, "a", message.StatusCompleted, "ok", ""); err != nil {
		t.Fatal(err)
	}
	if as := s2.assignments(); len(as) != 1 || as[0].SubtaskID != "b" {
		t.Fatalf("assignments after restore = %+v", as)
	}
}

func TestDispatch_PersistsGraph(t *testing.T) {
	store := newMemStore()
	s := &recordingSender{}
	plan := decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2", "a")}}
	c := newCoordinator(t, s, plan, func(cfg *Config) { cfg.Store = store })
	id := mustCreate(t, c)
	c.Wait()

	store.mu.Lock()
	snap := store.snaps[id]
	store.mu.Unlock()
	var a graph.Subtask
	for _, st := range snap.Subtasks {
		if st.ID == "a" {
			a = st
		}
	}
	if a.Status != graph.StatusInProgress {
		t.Fatalf("stored a = %s, want IN_PROGRESS without an explicit snapshot", a.Status)
	}
}

func TestRestore_AcceptsResultsBeforeResume(t *testing.T) {
	store := newMemStore()
	plan := decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1"), sub("b", "w2", "a")}}
	c := newCoordinator(t, &recordingSender{}, plan, func(cfg *Config) { cfg.Store = store })
	id := mustCreate(t, c)
	c.Wait()

	s2 := &recordingSender{}
	c2 := newCoordinator(t, s2, plan, func(cfg *Config) { cfg.Store = store })
	if n, err := c2.Restore(context.Background()); err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if len(s2.assignments()) != 0 {
		t.Fatal("Restore sent assignments before Resume")
	}
	// The worker's result was already waiting in the inbox.
	if err := c2.OnSubtaskResult(context.Background(), id, "a", message.StatusCompleted, "ok", ""); err != nil {
		t.Fatalf("result before resume: %v", err)
	}
	c2.Resume(context.Background())
	c2.Wait()
	if as := s2.assignments(); len(as) != 1 || as[0].SubtaskID != "b" {
		t.Fatalf("assignments = %+v, want only b", as)
	}
	if c2.Resume(context.Background()) != 0 {
		t.Fatal("second Resume resumed again")
	}
}

func TestWaitForTask_Timeout(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1")}},
		func(cfg *Config) { cfg.Bus = bus.New() })
	id := mustCreate(t, c)
	if _, err := c.WaitForTask(context.Background(), id, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestWaitForTask_BusEvent(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1")}},
		func(cfg *Config) { cfg.Bus = bus.New() })
	id := mustCreate(t, c)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.OnSubtaskResult(context.Background(), id, "a", message.StatusCompleted, "ok", "")
	}()
	snap, err := c.WaitForTask(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
	if snap.Status != graph.TaskCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
}

func TestWaitForAll(t *testing.T) {
	s := &recordingSender{}
	c := newCoordinator(t, s, decompose.Plan{Subtasks: []graph.Subtask{sub("a", "w1")}})
	id1 := mustCreate(t, c)
	id2 := mustCreate(t, c)
	for _, id := range []string{id1, id2} {
		if err := c.OnSubtaskResult(context.Background(), id, "a", message.StatusCompleted, "ok", ""); err != nil {
			t.Fatal(err)
		}
	}
	res, err := c.WaitForAll(context.Background(), []string{id1, id2}, time.Second)
	if err != nil || len(res) != 2 {
		t.Fatalf("WaitForAll = %v, %v", res, err)
	}
}
