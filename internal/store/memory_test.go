package store

import (
	"context"
	"testing"
	"time"

	"groupcast/internal/campaign"
)

func seedTasks(t *testing.T, m *Memory, tasks ...campaign.SendTask) {
	t.Helper()
	if err := m.InsertTasks(context.Background(), tasks); err != nil {
		t.Fatalf("InsertTasks: %v", err)
	}
}

func task(id, tenant string, at time.Time) campaign.SendTask {
	return campaign.SendTask{
		ID:          id,
		TenantID:    tenant,
		GroupID:     "g-1",
		Text:        "hi",
		ScheduledAt: at,
		Status:      campaign.TaskPending,
	}
}

func TestClaimDueBoundedAndDueOnly(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedTasks(t, m,
		task("a", "acme", now.Add(-2*time.Hour)),
		task("b", "acme", now.Add(-time.Hour)),
		task("c", "acme", now),
		task("d", "acme", now.Add(time.Hour)), // not due yet
	)

	got, err := m.ClaimDue(context.Background(), now, 2, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("claimed %d tasks, want 2 (batch bound)", len(got))
	}
	// Oldest first.
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("claimed %s,%s; want a,b", got[0].ID, got[1].ID)
	}
}

func TestClaimDueNotReclaimedWithinLease(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedTasks(t, m, task("a", "acme", now.Add(-time.Minute)))

	first, err := m.ClaimDue(context.Background(), now, 10, 5*time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v; want 1 task", first, err)
	}

	// An overlapping tick shortly after must not see the same task.
	second, err := m.ClaimDue(context.Background(), now.Add(time.Second), 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim returned %d tasks, want 0 inside lease", len(second))
	}

	// After the lease expires the abandoned claim is handed out again.
	third, err := m.ClaimDue(context.Background(), now.Add(10*time.Minute), 10, 5*time.Minute)
	if err != nil || len(third) != 1 {
		t.Fatalf("post-lease claim = %v, %v; want 1 task", third, err)
	}
}

func TestTerminalTransitionsAreSingleShot(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Now()
	seedTasks(t, m, task("a", "acme", now.Add(-time.Minute)))

	ok, err := m.MarkSent(context.Background(), "a", now)
	if err != nil || !ok {
		t.Fatalf("MarkSent = %v, %v; want applied", ok, err)
	}

	// Terminal states are final: neither transition applies again.
	if ok, _ := m.MarkSent(context.Background(), "a", now); ok {
		t.Fatal("second MarkSent should not apply")
	}
	if ok, _ := m.MarkFailed(context.Background(), "a", "late failure"); ok {
		t.Fatal("MarkFailed after MarkSent should not apply")
	}

	tasks, err := m.ListTasks(context.Background(), "acme", "", 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks = %v, %v", tasks, err)
	}
	if tasks[0].Status != campaign.TaskSent {
		t.Fatalf("status = %s, want sent", tasks[0].Status)
	}
	if tasks[0].SentAt == nil {
		t.Fatal("sent task must carry a sent instant")
	}
}

func TestMarkFailedRecordsDetail(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Now()
	seedTasks(t, m, task("a", "acme", now.Add(-time.Minute)))

	ok, err := m.MarkFailed(context.Background(), "a", "protocol rejection: 403")
	if err != nil || !ok {
		t.Fatalf("MarkFailed = %v, %v; want applied", ok, err)
	}
	tasks, _ := m.ListTasks(context.Background(), "acme", campaign.TaskFailed, 10)
	if len(tasks) != 1 || tasks[0].Detail != "protocol rejection: 403" {
		t.Fatalf("failed task detail not preserved: %+v", tasks)
	}
	if tasks[0].SentAt != nil {
		t.Fatal("failed task must not carry a sent instant")
	}
}

func TestInsertTasksIdempotent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Now()
	set := []campaign.SendTask{
		task("a", "acme", now),
		task("b", "acme", now),
	}
	seedTasks(t, m, set...)
	seedTasks(t, m, set...) // re-expansion of an unmodified campaign

	c, err := m.TaskCounts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if c.Total != 2 {
		t.Fatalf("Total = %d, want 2 after duplicate insert", c.Total)
	}
}

func TestTaskCountsPerTenant(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Now()
	seedTasks(t, m,
		task("a1", "acme", now.Add(-time.Minute)),
		task("a2", "acme", now.Add(-time.Minute)),
		task("a3", "acme", now.Add(-time.Minute)),
		task("z1", "zenith", now.Add(-time.Minute)),
	)
	_, _ = m.MarkSent(context.Background(), "a1", now)
	_, _ = m.MarkFailed(context.Background(), "a2", "boom")

	c, err := m.TaskCounts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	want := Counts{Total: 3, Sent: 1, Pending: 1, Failed: 1}
	if c != want {
		t.Fatalf("Counts = %+v, want %+v", c, want)
	}
}

func TestCountTasksInWindow(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedTasks(t, m,
		task("a", "acme", base),
		task("b", "acme", base.AddDate(0, 0, 1)),
		task("c", "acme", base.AddDate(0, 0, 10)),
	)
	n, err := m.CountTasksInWindow(context.Background(), "acme", base, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("CountTasksInWindow: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
}
