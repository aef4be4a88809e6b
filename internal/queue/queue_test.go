package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnTransition(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Task.ID+":"+string(e.From)+">"+string(e.To))
	}
	return out
}

func mustEnqueue(t *testing.T, q *Queue, id string, p Priority) {
	t.Helper()
	if _, err := q.Enqueue(Task{ID: id, Description: id, Priority: p}); err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
}

func TestEnqueue_OrdersByPriorityThenArrival(t *testing.T) {
	q := New("w1", nil)
	mustEnqueue(t, q, "low", PriorityLow)
	mustEnqueue(t, q, "n1", PriorityNormal)
	mustEnqueue(t, q, "urgent", PriorityUrgent)
	mustEnqueue(t, q, "n2", PriorityNormal)
	mustEnqueue(t, q, "high", PriorityHigh)

	want := []string{"urgent", "high", "n1", "n2", "low"}
	if got := ids(q.Pending()); !sameOrder(got, want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	if next, ok := q.PeekNext(); !ok || next.ID != "urgent" {
		t.Fatalf("PeekNext = %v, %v", next.ID, ok)
	}
}

func TestEnqueue_DefaultsAndDuplicates(t *testing.T) {
	q := New("w1", nil)
	task, err := q.Enqueue(Task{Description: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.ID == "" || task.Priority != PriorityNormal || task.Status != StatusPending || task.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if _, err := q.Enqueue(Task{ID: task.ID}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestStartNext_SingleRunningSlot(t *testing.T) {
	q := New("w1", nil)
	mustEnqueue(t, q, "a", PriorityNormal)
	mustEnqueue(t, q, "b", PriorityNormal)

	first, ok := q.StartNext()
	if !ok || first.ID != "a" || first.Status != StatusRunning || first.StartedAt == nil {
		t.Fatalf("StartNext = %+v, %v", first, ok)
	}
	if _, ok := q.StartNext(); ok {
		t.Fatal("second StartNext must fail while a task runs")
	}
	if _, err := q.Complete("b", "nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("completing a queued task: got %v, want ErrNotRunning", err)
	}
	done, err := q.Complete("a", "ok")
	if err != nil || done.Status != StatusCompleted || done.Result != "ok" || done.EndedAt == nil {
		t.Fatalf("Complete = %+v, %v", done, err)
	}
	next, ok := q.StartNext()
	if !ok || next.ID != "b" {
		t.Fatalf("StartNext after complete = %v, %v", next.ID, ok)
	}
	failed, err := q.Fail("b", "boom")
	if err != nil || failed.Status != StatusFailed || failed.Error != "boom" {
		t.Fatalf("Fail = %+v, %v", failed, err)
	}
}

func TestPause_RequeuesAtFrontAndHolds(t *testing.T) {
	q := New("w1", nil)
	mustEnqueue(t, q, "a", PriorityLow)
	q.StartNext()
	mustEnqueue(t, q, "urgent", PriorityUrgent)

	paused, ok := q.Pause()
	if !ok || paused.ID != "a" || paused.Status != StatusPaused {
		t.Fatalf("Pause = %+v, %v", paused, ok)
	}
	if got := ids(q.Pending()); !sameOrder(got, []string{"a", "urgent"}) {
		t.Fatalf("pending = %v, want paused task first", got)
	}
	if _, ok := q.StartNext(); ok {
		t.Fatal("held queue must not start work")
	}

	// Later urgent work still queues behind the paused task.
	mustEnqueue(t, q, "urgent2", PriorityUrgent)
	if got := ids(q.Pending()); !sameOrder(got, []string{"a", "urgent", "urgent2"}) {
		t.Fatalf("pending = %v", got)
	}

	q.Resume()
	resumed, ok := q.StartNext()
	if !ok || resumed.ID != "a" || resumed.Status != StatusRunning {
		t.Fatalf("StartNext after resume = %+v, %v", resumed, ok)
	}
}

func TestPause_NothingRunning(t *testing.T) {
	q := New("w1", nil)
	if _, ok := q.Pause(); ok {
		t.Fatal("Pause with nothing running reported a task")
	}
	if !q.Held() {
		t.Fatal("queue should be held")
	}
	q.Resume()
	if q.Held() {
		t.Fatal("queue should be released")
	}
}

func TestCancel(t *testing.T) {
	q := New("w1", nil)
	mustEnqueue(t, q, "a", PriorityNormal)
	mustEnqueue(t, q, "b", PriorityNormal)
	q.StartNext()

	if c, err := q.Cancel("b"); err != nil || c.Status != StatusCanceled {
		t.Fatalf("cancel queued = %+v, %v", c, err)
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after cancel, want 0", q.Len())
	}
	if c, err := q.Cancel("a"); err != nil || c.Status != StatusCanceled {
		t.Fatalf("cancel running = %+v, %v", c, err)
	}
	if _, ok := q.Running(); ok {
		t.Fatal("running slot should be free")
	}
	if _, err := q.Cancel("a"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("cancel twice: got %v, want ErrTerminal", err)
	}
	if _, err := q.Cancel("zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown: got %v, want ErrNotFound", err)
	}
}

func TestListeners_SeeEveryTransition(t *testing.T) {
	q := New("w1", nil)
	rec := &recorder{}
	q.AddListener(rec)
	q.AddListener(ListenerFunc(func(Event) { panic("listener bug") }))

	mustEnqueue(t, q, "a", PriorityNormal)
	q.StartNext()
	q.Pause()
	q.Resume()
	q.StartNext()
	q.Complete("a", "done")

	want := []string{
		"a:>PENDING",
		"a:PENDING>RUNNING",
		"a:RUNNING>PAUSED",
		"a:PAUSED>RUNNING",
		"a:RUNNING>COMPLETED",
	}
	if got := rec.transitions(); !sameOrder(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for _, e := range rec.events {
		if e.AgentID != "w1" {
			t.Fatalf("event agent = %q", e.AgentID)
		}
	}
}

func TestChannelListener_DropsWhenFull(t *testing.T) {
	l := NewChannelListener(1)
	l.OnTransition(Event{To: StatusPending})
	l.OnTransition(Event{To: StatusRunning})
	if l.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", l.Dropped())
	}
	if e := <-l.C(); e.To != StatusPending {
		t.Fatalf("first event = %s", e.To)
	}
}

func TestTask_Collaborative(t *testing.T) {
	task := Task{Metadata: map[string]string{MetaGraphTaskID: "t1", MetaSubtaskID: "s1"}}
	g, s, ok := task.Collaborative()
	if !ok || g != "t1" || s != "s1" {
		t.Fatalf("Collaborative = %q %q %v", g, s, ok)
	}
	if _, _, ok := (Task{}).Collaborative(); ok {
		t.Fatal("plain task reported as collaborative")
	}
}

func TestParsePriority(t *testing.T) {
	tests := map[string]Priority{"": PriorityNormal, "LOW": PriorityLow, "high": PriorityHigh, "urgent": PriorityUrgent}
	for in, want := range tests {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestListeners_SeeTransitionsInOrder(t *testing.T) {
	q := New("w1", nil)
	entered := make(chan struct{})
	var once sync.Once
	q.AddListener(ListenerFunc(func(e Event) {
		if e.To == StatusPending {
			once.Do(func() { close(entered) })
			time.Sleep(50 * time.Millisecond)
		}
	}))
	rec := &recorder{}
	q.AddListener(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := q.Enqueue(Task{ID: "x", Description: "x"}); err != nil {
			t.Errorf("Enqueue: %v", err)
		}
	}()
	<-entered
	// The enqueue is still notifying listeners while the task starts.
	if _, ok := q.StartNext(); !ok {
		t.Fatal("StartNext found nothing")
	}
	<-done

	want := []string{"x:>PENDING", "x:PENDING>RUNNING"}
	if got := rec.transitions(); !sameOrder(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}
