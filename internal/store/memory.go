package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"groupcast/internal/campaign"
)

// Memory is a process-local Store used by tests and throwaway runs.
// It implements the same claim-lease and compare-and-swap semantics as the
// durable drivers so dispatcher behavior is identical under test.
type Memory struct {
	mu        sync.Mutex
	campaigns map[string]campaign.Campaign
	order     []string // campaign insertion order
	tasks     map[string]*memTask
}

type memTask struct {
	task      campaign.SendTask
	claimedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		campaigns: map[string]campaign.Campaign{},
		tasks:     map[string]*memTask{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateCampaign(_ context.Context, c *campaign.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.campaigns[c.ID] = cloneCampaign(*c)
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneCampaign(c)
	return &cp, nil
}

func (m *Memory) ListActiveCampaigns(_ context.Context) ([]campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Campaign
	for _, id := range m.order {
		if c, ok := m.campaigns[id]; ok && c.Active {
			out = append(out, cloneCampaign(c))
		}
	}
	return out, nil
}

func (m *Memory) InsertTasks(_ context.Context, tasks []campaign.SendTask) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			// Deterministic IDs: re-expansion is a no-op.
			continue
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.Status == "" {
			t.Status = campaign.TaskPending
		}
		m.tasks[t.ID] = &memTask{task: t}
	}
	return nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]campaign.SendTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	reclaimBefore := now.Add(-lease)

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*memTask
	for _, mt := range m.tasks {
		if mt.task.Status != campaign.TaskPending {
			continue
		}
		if mt.task.ScheduledAt.After(now) {
			continue
		}
		if !mt.claimedAt.IsZero() && mt.claimedAt.After(reclaimBefore) {
			continue
		}
		due = append(due, mt)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].task.ScheduledAt.Before(due[j].task.ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]campaign.SendTask, 0, len(due))
	for _, mt := range due {
		mt.claimedAt = now
		out = append(out, mt.task)
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tasks[id]
	if !ok || mt.task.Status != campaign.TaskPending {
		return false, nil
	}
	mt.task.Status = campaign.TaskSent
	sent := at
	mt.task.SentAt = &sent
	mt.task.Detail = ""
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, detail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tasks[id]
	if !ok || mt.task.Status != campaign.TaskPending {
		return false, nil
	}
	mt.task.Status = campaign.TaskFailed
	mt.task.Detail = detail
	return true, nil
}

func (m *Memory) TaskCounts(_ context.Context, tenantID string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, mt := range m.tasks {
		if mt.task.TenantID != tenantID {
			continue
		}
		c.Total++
		switch mt.task.Status {
		case campaign.TaskSent:
			c.Sent++
		case campaign.TaskPending:
			c.Pending++
		case campaign.TaskFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *Memory) CountTasksInWindow(_ context.Context, tenantID string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range m.tasks {
		if mt.task.TenantID != tenantID {
			continue
		}
		at := mt.task.ScheduledAt
		if at.Before(from) || at.After(to) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) ListTasks(_ context.Context, tenantID string, status campaign.TaskStatus, limit int) ([]campaign.SendTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.SendTask
	for _, mt := range m.tasks {
		if mt.task.TenantID != tenantID {
			continue
		}
		if status != "" && mt.task.Status != status {
			continue
		}
		out = append(out, mt.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneCampaign(c campaign.Campaign) campaign.Campaign {
	c.Messages = append([]string(nil), c.Messages...)
	c.Groups = append([]string(nil), c.Groups...)
	return c
}
