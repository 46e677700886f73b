package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"groupcast/internal/campaign"
	logx "groupcast/pkg/logx"
)

var ErrNotFound = errors.New("not found")

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": process-local store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Counts is the per-tenant task rollup consumed by reporting.
type Counts struct {
	Total   int
	Sent    int
	Pending int
	Failed  int
}

// Store is the durable collection of campaigns and send-tasks.
//
// Tasks are append-only from the expander's point of view and are mutated
// exclusively through ClaimDue/MarkSent/MarkFailed. MarkSent and MarkFailed
// are compare-and-swap transitions out of pending: they report false when the
// task was already terminal, so a task can never transition twice even under
// overlapping dispatch ticks.
type Store interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]campaign.Campaign, error)

	// InsertTasks bulk-inserts expanded tasks. Task IDs are deterministic,
	// and duplicates are ignored, so re-running expansion on an unmodified
	// campaign is a no-op.
	InsertTasks(ctx context.Context, tasks []campaign.SendTask) error

	// ClaimDue atomically reserves up to limit due pending tasks by stamping
	// their claim time. A claim is honored for the lease duration; claims
	// older than the lease are considered abandoned (crashed tick) and may
	// be handed out again.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]campaign.SendTask, error)

	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, detail string) (bool, error)

	TaskCounts(ctx context.Context, tenantID string) (Counts, error)
	CountTasksInWindow(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	ListTasks(ctx context.Context, tenantID string, status campaign.TaskStatus, limit int) ([]campaign.SendTask, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
