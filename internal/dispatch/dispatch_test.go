package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"groupcast/internal/campaign"
	"groupcast/internal/channel"
	"groupcast/internal/store"
	logx "groupcast/pkg/logx"
)

type recordedSend struct {
	Group   string
	Text    string
	Preview bool
}

// fakeChannel records sends and can be told to fail or panic.
type fakeChannel struct {
	mu       sync.Mutex
	sends    []recordedSend
	perTask  map[string]int
	err      error
	panicMsg string

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{perTask: map[string]int{}}
}

func (f *fakeChannel) Send(ctx context.Context, groupID, text string, opt *channel.SendOptions) error {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}

	f.mu.Lock()
	preview := opt != nil && opt.LinkPreview
	f.sends = append(f.sends, recordedSend{Group: groupID, Text: text, Preview: preview})
	f.perTask[text]++
	f.mu.Unlock()

	return f.err
}

func (f *fakeChannel) Status() channel.Status { return channel.StatusReady }

func (f *fakeChannel) recorded() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sends...)
}

func newTestService(t *testing.T, mem *store.Memory, reg *channel.Registry) *Service {
	t.Helper()
	return New(Config{
		BatchSize:  50,
		Workers:    4,
		RatePerSec: 1000,
		ClaimLease: 5 * time.Minute,
	}, mem, reg, logx.Nop())
}

func dueTask(id, tenant, group, text string) campaign.SendTask {
	return campaign.SendTask{
		ID:          id,
		TenantID:    tenant,
		GroupID:     group,
		Text:        text,
		ScheduledAt: time.Now().Add(-time.Minute),
		Status:      campaign.TaskPending,
	}
}

func mustInsert(t *testing.T, mem *store.Memory, tasks ...campaign.SendTask) {
	t.Helper()
	if err := mem.InsertTasks(context.Background(), tasks); err != nil {
		t.Fatalf("InsertTasks: %v", err)
	}
}

func taskByID(t *testing.T, mem *store.Memory, tenant, id string) campaign.SendTask {
	t.Helper()
	tasks, err := mem.ListTasks(context.Background(), tenant, "", 500)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s not found", id)
	return campaign.SendTask{}
}

func TestTickSendsDueTask(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, mem, dueTask("a", "acme", "g-1", "hello"))

	newTestService(t, mem, reg).Tick(context.Background())

	got := taskByID(t, mem, "acme", "a")
	if got.Status != campaign.TaskSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.SentAt == nil {
		t.Fatal("sent task must carry a sent instant")
	}
	sends := ch.recorded()
	if len(sends) != 1 || sends[0].Group != "g-1" || sends[0].Text != "hello" {
		t.Fatalf("unexpected sends: %+v", sends)
	}
}

func TestTickNoChannelFailsWithoutSendAttempt(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	mustInsert(t, mem, dueTask("a", "acme", "g-1", "hello"))

	newTestService(t, mem, reg).Tick(context.Background())

	got := taskByID(t, mem, "acme", "a")
	if got.Status != campaign.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Detail, "channel not connected") {
		t.Fatalf("detail = %q, want channel-unavailable detail", got.Detail)
	}
}

func TestTickDeliveryErrorPreservedVerbatim(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	ch.err = errors.New("protocol rejection: group is read-only")
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, mem, dueTask("a", "acme", "g-1", "hello"))

	newTestService(t, mem, reg).Tick(context.Background())

	got := taskByID(t, mem, "acme", "a")
	if got.Status != campaign.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Detail != "protocol rejection: group is read-only" {
		t.Fatalf("detail = %q, want the channel error verbatim", got.Detail)
	}
}

func TestTickPanicBecomesTerminalFailure(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	ch.panicMsg = "nil pointer in protocol state"
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, mem, dueTask("a", "acme", "g-1", "hello"))

	newTestService(t, mem, reg).Tick(context.Background())

	got := taskByID(t, mem, "acme", "a")
	if got.Status != campaign.TaskFailed {
		t.Fatalf("status = %s, want failed (never stuck pending)", got.Status)
	}
	if !strings.Contains(got.Detail, "panic during send") {
		t.Fatalf("detail = %q, want panic detail", got.Detail)
	}
}

func TestTickIsolatesPerTaskFailures(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	// "zenith" has no channel; its task must fail without aborting the batch.
	mustInsert(t, mem,
		dueTask("a", "acme", "g-1", "one"),
		dueTask("z", "zenith", "g-9", "two"),
		dueTask("b", "acme", "g-1", "three"),
	)

	newTestService(t, mem, reg).Tick(context.Background())

	if got := taskByID(t, mem, "acme", "a"); got.Status != campaign.TaskSent {
		t.Fatalf("task a status = %s, want sent", got.Status)
	}
	if got := taskByID(t, mem, "acme", "b"); got.Status != campaign.TaskSent {
		t.Fatalf("task b status = %s, want sent", got.Status)
	}
	if got := taskByID(t, mem, "zenith", "z"); got.Status != campaign.TaskFailed {
		t.Fatalf("task z status = %s, want failed", got.Status)
	}
}

func TestTickAbandonsClaimedTasksOnCancel(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, mem,
		dueTask("a", "acme", "g-1", "one"),
		dueTask("b", "acme", "g-1", "two"),
	)

	svc := New(Config{BatchSize: 50, Workers: 4, RatePerSec: 1000, ClaimLease: 10 * time.Millisecond}, mem, reg, logx.Nop())

	// A shutdown may cancel the run context mid-tick. Tasks that never got a
	// send attempt must stay claimed, not be recorded as terminal failures.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Tick(ctx)

	counts, err := mem.TaskCounts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if counts.Failed != 0 || counts.Sent != 0 || counts.Pending != 2 {
		t.Fatalf("counts after cancelled tick = %+v, want both tasks still pending", counts)
	}
	if got := len(ch.recorded()); got != 0 {
		t.Fatalf("recorded %d sends on a cancelled tick, want 0", got)
	}

	// Once the claim lease lapses the tasks surface again and send normally.
	time.Sleep(25 * time.Millisecond)
	svc.Tick(context.Background())

	counts, err = mem.TaskCounts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if counts.Sent != 2 {
		t.Fatalf("counts after reclaim tick = %+v, want both tasks sent", counts)
	}
}

func TestTickRespectsBatchBound(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	tasks := make([]campaign.SendTask, 0, 80)
	for i := 0; i < 80; i++ {
		tasks = append(tasks, dueTask(taskName(i), "acme", "g-1", taskName(i)))
	}
	mustInsert(t, mem, tasks...)

	svc := New(Config{BatchSize: 50, Workers: 4, RatePerSec: 1000, ClaimLease: 5 * time.Minute}, mem, reg, logx.Nop())
	svc.Tick(context.Background())

	counts, err := mem.TaskCounts(context.Background(), "acme")
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	if counts.Sent != 50 || counts.Pending != 30 {
		t.Fatalf("counts = %+v, want 50 sent / 30 pending after one bounded tick", counts)
	}
}

func TestConcurrentTicksNeverDoubleDispatch(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	const n = 40
	tasks := make([]campaign.SendTask, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, dueTask(taskName(i), "acme", "g-1", taskName(i)))
	}
	mustInsert(t, mem, tasks...)

	svc := New(Config{BatchSize: n, Workers: 4, RatePerSec: 10000, ClaimLease: 5 * time.Minute}, mem, reg, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Tick(context.Background())
		}()
	}
	wg.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for text, sends := range ch.perTask {
		if sends != 1 {
			t.Errorf("task %q dispatched %d times, want exactly once", text, sends)
		}
	}
	if len(ch.perTask) != n {
		t.Fatalf("dispatched %d distinct tasks, want %d", len(ch.perTask), n)
	}
}

func TestSendsForOneTenantAreSerialized(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	reg := channel.NewRegistry(logx.Nop())
	ch := newFakeChannel()
	if err := reg.Register("acme", ch); err != nil {
		t.Fatal(err)
	}
	tasks := make([]campaign.SendTask, 0, 20)
	for i := 0; i < 20; i++ {
		tasks = append(tasks, dueTask(taskName(i), "acme", "g-1", taskName(i)))
	}
	mustInsert(t, mem, tasks...)

	svc := New(Config{BatchSize: 20, Workers: 8, RatePerSec: 10000, ClaimLease: 5 * time.Minute}, mem, reg, logx.Nop())
	svc.Tick(context.Background())

	if ch.overlap.Load() {
		t.Fatal("observed concurrent sends on a single tenant's channel")
	}
}

func taskName(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
