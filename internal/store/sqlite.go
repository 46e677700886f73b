package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"groupcast/internal/campaign"
	logx "groupcast/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return err
	}
	groups, err := json.Marshal(c.Groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, tenant_id, name, messages, dest_groups, interval_ms, start_at, end_at, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, string(messages), string(groups),
		c.Interval.Milliseconds(), unixMS(c.StartAt), unixMS(c.EndAt), boolInt(c.Active), unixMS(c.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, messages, dest_groups, interval_ms, start_at, end_at, active, created_at
		 FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaignSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) ListActiveCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, messages, dest_groups, interval_ms, start_at, end_at, active, created_at
		 FROM campaigns WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaignSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertTasks(ctx context.Context, tasks []campaign.SendTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO send_tasks(id, tenant_id, group_id, body, scheduled_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, t := range tasks {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		status := t.Status
		if status == "" {
			status = campaign.TaskPending
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.TenantID, t.GroupID, t.Text,
			unixMS(t.ScheduledAt), string(status), unixMS(createdAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]campaign.SendTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	reclaimBefore := now.Add(-lease)
	rows, err := s.db.QueryContext(ctx,
		`UPDATE send_tasks SET claimed_at = ?
		 WHERE id IN (
		     SELECT id FROM send_tasks
		     WHERE status = 'pending' AND scheduled_at <= ?
		       AND (claimed_at IS NULL OR claimed_at <= ?)
		     ORDER BY scheduled_at
		     LIMIT ?
		 )
		 RETURNING id, tenant_id, group_id, body, scheduled_at, status, sent_at, detail, created_at`,
		unixMS(now), unixMS(now), unixMS(reclaimBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.SendTask
	for rows.Next() {
		t, err := scanTaskSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_tasks SET status = 'sent', sent_at = ?, detail = NULL
		 WHERE id = ? AND status = 'pending'`,
		unixMS(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, detail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_tasks SET status = 'failed', detail = ?
		 WHERE id = ? AND status = 'pending'`,
		detail, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) TaskCounts(ctx context.Context, tenantID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM send_tasks WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch campaign.TaskStatus(status) {
		case campaign.TaskSent:
			c.Sent = n
		case campaign.TaskPending:
			c.Pending = n
		case campaign.TaskFailed:
			c.Failed = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

func (s *sqliteStore) CountTasksInWindow(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_tasks WHERE tenant_id = ? AND scheduled_at BETWEEN ? AND ?`,
		tenantID, unixMS(from), unixMS(to)).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, tenantID string, status campaign.TaskStatus, limit int) ([]campaign.SendTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, tenant_id, group_id, body, scheduled_at, status, sent_at, detail, created_at
	      FROM send_tasks WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY scheduled_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.SendTask
	for rows.Next() {
		t, err := scanTaskSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaignSQLite(r rowScanner) (*campaign.Campaign, error) {
	var c campaign.Campaign
	var messages, groups string
	var intervalMS, startMS, endMS, createdMS int64
	var active int
	if err := r.Scan(&c.ID, &c.TenantID, &c.Name, &messages, &groups,
		&intervalMS, &startMS, &endMS, &active, &createdMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &c.Groups); err != nil {
		return nil, err
	}
	c.Interval = time.Duration(intervalMS) * time.Millisecond
	c.StartAt = fromUnixMS(startMS)
	c.EndAt = fromUnixMS(endMS)
	c.Active = active != 0
	c.CreatedAt = fromUnixMS(createdMS)
	return &c, nil
}

func scanTaskSQLite(r rowScanner) (*campaign.SendTask, error) {
	var t campaign.SendTask
	var status string
	var scheduledMS, createdMS int64
	var sentMS sql.NullInt64
	var detail sql.NullString
	if err := r.Scan(&t.ID, &t.TenantID, &t.GroupID, &t.Text,
		&scheduledMS, &status, &sentMS, &detail, &createdMS); err != nil {
		return nil, err
	}
	t.ScheduledAt = fromUnixMS(scheduledMS)
	t.Status = campaign.TaskStatus(status)
	if sentMS.Valid {
		at := fromUnixMS(sentMS.Int64)
		t.SentAt = &at
	}
	t.Detail = detail.String
	t.CreatedAt = fromUnixMS(createdMS)
	return &t, nil
}

func unixMS(t time.Time) int64      { return t.UnixMilli() }
func fromUnixMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
