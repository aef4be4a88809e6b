package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/queue"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "swarm.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 2 || !strings.HasPrefix(checksum, "gs-v2-") {
		t.Fatalf("schema = v%d %q", version, checksum)
	}

	for _, table := range []string{"agents", "agent_messages", "collab_tasks", "worker_tasks"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	var n int
	if err := again.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("migration rows = %d, want 2", n)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func post(t *testing.T, s *persistence.Store, to string, body message.Body) message.Message {
	t.Helper()
	m, err := s.PostMessage(context.Background(), message.Message{SenderID: "coord", RecipientID: to, Body: body})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	return m
}

func TestMessages_ClaimAckCycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := post(t, store, "w1", message.SubtaskAssignment{TaskID: "t", SubtaskID: "a", Description: "x"})
	second := post(t, store, "w1", message.AgentControl{Action: message.ControlPause})
	post(t, store, "w2", message.AgentControl{Action: message.ControlResume})
	if first.ID != "1" || second.ID != "2" {
		t.Fatalf("ids not increasing: %q then %q", first.ID, second.ID)
	}

	got, err := store.ClaimMessages(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimMessages: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("claimed = %+v", got)
	}
	if _, ok := got[0].Body.(message.SubtaskAssignment); !ok {
		t.Fatalf("body type = %T", got[0].Body)
	}

	// Claimed messages stay hidden until the visibility timeout lapses.
	again, err := store.ClaimMessages(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimMessages again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed twice: %+v", again)
	}

	// Another agent cannot ack w1's mail.
	if n, err := store.AckMessages(ctx, "w2", []string{first.ID}); err != nil || n != 0 {
		t.Fatalf("foreign ack = %d, %v", n, err)
	}
	if n, err := store.AckMessages(ctx, "w1", []string{first.ID, second.ID, "bogus"}); err != nil || n != 2 {
		t.Fatalf("ack = %d, %v", n, err)
	}
	stats, err := store.MailboxStats(ctx, "w1")
	if err != nil {
		t.Fatalf("MailboxStats: %v", err)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("stats after ack = %+v", stats)
	}
}

func TestMessages_UndecodableRowDoesNotBlockInbox(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.DB().Exec(`
		INSERT INTO agent_messages (sender_id, recipient_id, message_type, content, sent_at)
		VALUES ('coord', 'w1', 'bogus_type', '{}', ?);
	`, time.Now().UTC()); err != nil {
		t.Fatalf("insert bad row: %v", err)
	}
	good := post(t, store, "w1", message.SubtaskAssignment{TaskID: "t", SubtaskID: "a", Description: "x"})

	got, err := store.ClaimMessages(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("claimed = %+v, want only %s", got, good.ID)
	}
	if n, err := store.AckMessages(ctx, "w1", []string{good.ID}); err != nil || n != 1 {
		t.Fatalf("ack = %d, %v", n, err)
	}

	// The bad row is dead-lettered, not retried.
	again, err := store.ClaimMessages(ctx, "w1", 10, 0)
	if err != nil {
		t.Fatalf("ClaimMessages again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed again = %+v", again)
	}
	if acked := queryOneString(t, store.DB(), `SELECT COUNT(*) FROM agent_messages WHERE message_type = 'bogus_type' AND acked_at IS NOT NULL;`); acked != "1" {
		t.Fatalf("bad row acked count = %s, want 1", acked)
	}
}

func TestMessages_RedeliveredAfterVisibilityTimeout(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	m := post(t, store, "w1", message.SubtaskResult{TaskID: "t", SubtaskID: "a", Status: message.StatusCompleted})

	if got, _ := store.ClaimMessages(ctx, "w1", 10, time.Millisecond); len(got) != 1 {
		t.Fatalf("first claim = %d messages", len(got))
	}
	time.Sleep(20 * time.Millisecond)
	got, err := store.ClaimMessages(ctx, "w1", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("redelivery = %+v, want same id %s", got, m.ID)
	}
}

func TestMessages_PostPublishesWakeup(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.MailboxPostedTopic("w1"))
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "swarm.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	m := post(t, store, "w1", message.AgentControl{Action: message.ControlResume})
	select {
	case ev := <-sub.Ch():
		if ev.Payload != m.ID {
			t.Fatalf("payload = %v, want %s", ev.Payload, m.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no wake-up published")
	}
}

func TestMessages_PurgeAcked(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	acked := post(t, store, "w1", message.AgentControl{Action: message.ControlPause})
	post(t, store, "w1", message.AgentControl{Action: message.ControlResume})
	store.ClaimMessages(ctx, "w1", 1, time.Minute)
	store.AckMessages(ctx, "w1", []string{acked.ID})

	n, err := store.PurgeAckedMessages(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	stats, _ := store.MailboxStats(ctx, "w1")
	if stats.Pending != 1 || stats.Oldest == nil {
		t.Fatalf("unacked mail should survive purge: %+v", stats)
	}
}

func TestMessages_RejectsEmptyRecipient(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.PostMessage(context.Background(), message.Message{Body: message.AgentControl{Action: message.ControlPause}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAgents_UpsertTouchDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertAgent(ctx, persistence.AgentRecord{AgentID: "w1", DisplayName: "Writer", Skills: []string{"writing"}}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.UpsertAgent(ctx, persistence.AgentRecord{AgentID: "coord", Role: "coordinator"}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.UpdateAgentStatus(ctx, "w1", "paused"); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}
	// Re-registering refreshes the profile but keeps status.
	if err := store.UpsertAgent(ctx, persistence.AgentRecord{AgentID: "w1", DisplayName: "Writer", Skills: []string{"writing", "editing"}}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.TouchAgent(ctx, "w1"); err != nil {
		t.Fatalf("TouchAgent: %v", err)
	}

	rec, err := store.GetAgent(ctx, "w1")
	if err != nil || rec == nil {
		t.Fatalf("GetAgent = %v, %v", rec, err)
	}
	if rec.Status != "paused" || rec.Role != "worker" || len(rec.Skills) != 2 || rec.LastSeenAt == nil {
		t.Fatalf("agent = %+v", rec)
	}

	all, err := store.ListAgents(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListAgents = %d, %v", len(all), err)
	}

	post(t, store, "w1", message.AgentControl{Action: message.ControlPause})
	if err := store.DeleteAgent(ctx, "w1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if rec, _ := store.GetAgent(ctx, "w1"); rec != nil {
		t.Fatal("agent still present")
	}
	if stats, _ := store.MailboxStats(ctx, "w1"); stats.Pending != 0 {
		t.Fatalf("mail for deleted agent survived: %+v", stats)
	}
	if err := store.DeleteAgent(ctx, "w1"); err == nil {
		t.Fatal("expected not-found error")
	}
	if err := store.UpdateAgentStatus(ctx, "ghost", "active"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestGraphs_SaveLoadActive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	g, err := graph.New("t1", "report", "req", []graph.Subtask{
		{ID: "a", Description: "research", AssignedTo: "w1"},
		{ID: "b", Description: "write", AssignedTo: "w2", Dependencies: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	if err := store.SaveGraph(ctx, "coord", g.Snapshot()); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}
	g.UpdateSubtask("a", graph.StatusAssigned, "", "")
	if err := store.SaveGraph(ctx, "coord", g.Snapshot()); err != nil {
		t.Fatalf("SaveGraph update: %v", err)
	}

	snap, err := store.LoadGraph(ctx, "t1")
	if err != nil || snap == nil {
		t.Fatalf("LoadGraph = %v, %v", snap, err)
	}
	if snap.Subtasks[0].Status != graph.StatusAssigned || snap.Subtasks[1].Dependencies[0] != "a" {
		t.Fatalf("snapshot = %+v", snap.Subtasks)
	}
	if missing, err := store.LoadGraph(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("LoadGraph(missing) = %v, %v", missing, err)
	}

	active, err := store.ActiveGraphs(ctx, "coord")
	if err != nil || len(active) != 1 {
		t.Fatalf("ActiveGraphs = %d, %v", len(active), err)
	}
	if other, _ := store.ActiveGraphs(ctx, "someone-else"); len(other) != 0 {
		t.Fatalf("graphs leaked across coordinators: %d", len(other))
	}

	list, err := store.ListGraphs(ctx, "", 10)
	if err != nil || len(list) != 1 || list[0].Status != "ACTIVE" || list[0].CoordinatorID != "coord" {
		t.Fatalf("ListGraphs = %+v, %v", list, err)
	}
	if n, err := store.PurgeFinishedGraphs(ctx, time.Now().Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("purge removed active graph: %d, %v", n, err)
	}
}

func TestWorkerTasks_RecordAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := queue.Task{
		ID:          "wt1",
		Description: "draft intro",
		SenderID:    "coord",
		Priority:    queue.PriorityHigh,
		Status:      queue.StatusPending,
		CreatedAt:   time.Now(),
		Metadata:    map[string]string{queue.MetaGraphTaskID: "t1", queue.MetaSubtaskID: "a"},
	}
	if err := store.RecordWorkerTask(ctx, "w1", task); err != nil {
		t.Fatalf("RecordWorkerTask: %v", err)
	}
	now := time.Now()
	task.Status = queue.StatusCompleted
	task.Result = "done"
	task.StartedAt, task.EndedAt = &now, &now
	if err := store.RecordWorkerTask(ctx, "w1", task); err != nil {
		t.Fatalf("RecordWorkerTask update: %v", err)
	}

	recs, err := store.ListWorkerTasks(ctx, "w1", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListWorkerTasks = %d, %v", len(recs), err)
	}
	r := recs[0]
	if r.Status != "COMPLETED" || r.Result != "done" || r.GraphTaskID != "t1" || r.SubtaskID != "a" || r.EndedAt == nil || r.Priority != 3 {
		t.Fatalf("record = %+v", r)
	}
	if other, _ := store.ListWorkerTasks(ctx, "w2", 10); len(other) != 0 {
		t.Fatalf("w2 tasks = %d", len(other))
	}
}
