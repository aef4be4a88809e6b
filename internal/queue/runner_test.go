package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, l *ChannelListener, id string, to Status) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-l.C():
			if e.Task.ID == id && e.To == to {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s -> %s", id, to)
		}
	}
}

func TestRunner_CompletesAndFails(t *testing.T) {
	q := New("w1", nil)
	events := NewChannelListener(32)
	q.AddListener(events)

	r := NewRunner(q, ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		if task.Description == "bad" {
			return "", errors.New("cannot do that")
		}
		return "did " + task.Description, nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Wait() }()
	r.Start(ctx)

	q.Enqueue(Task{ID: "ok", Description: "good"})
	q.Enqueue(Task{ID: "ko", Description: "bad"})

	if e := waitFor(t, events, "ok", StatusCompleted); e.Task.Result != "did good" {
		t.Fatalf("result = %q", e.Task.Result)
	}
	if e := waitFor(t, events, "ko", StatusFailed); e.Task.Error != "cannot do that" {
		t.Fatalf("error = %q", e.Task.Error)
	}
}

func TestRunner_CancelInterruptsExecutor(t *testing.T) {
	q := New("w1", nil)
	events := NewChannelListener(32)
	q.AddListener(events)

	interrupted := make(chan struct{})
	r := NewRunner(q, ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		<-ctx.Done()
		close(interrupted)
		return "", ctx.Err()
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Wait() }()
	r.Start(ctx)

	q.Enqueue(Task{ID: "slow", Description: "wait"})
	waitFor(t, events, "slow", StatusRunning)

	if _, err := q.Cancel("slow"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("executor context was not canceled")
	}
	task, _ := q.Get("slow")
	if task.Status != StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", task.Status)
	}
}

func TestRunner_RecoversExecutorPanic(t *testing.T) {
	q := New("w1", nil)
	events := NewChannelListener(32)
	q.AddListener(events)

	r := NewRunner(q, ExecutorFunc(func(context.Context, Task) (string, error) {
		panic("bad executor")
	}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Wait() }()
	r.Start(ctx)

	q.Enqueue(Task{ID: "p", Description: "x"})
	waitFor(t, events, "p", StatusFailed)
}
