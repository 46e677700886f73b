package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"groupcast/internal/campaign"
	logx "groupcast/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrationsFS embed.FS

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &postgresStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := postgresMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
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
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.TenantID, c.Name, string(messages), string(groups),
		c.Interval.Milliseconds(), c.StartAt, c.EndAt, c.Active, c.CreatedAt,
	)
	return err
}

func (s *postgresStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, messages, dest_groups, interval_ms, start_at, end_at, active, created_at
		 FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaignPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *postgresStore) ListActiveCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, messages, dest_groups, interval_ms, start_at, end_at, active, created_at
		 FROM campaigns WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaignPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertTasks(ctx context.Context, tasks []campaign.SendTask) error {
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
		 VALUES($1,$2,$3,$4,$5,$6,$7)
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
			t.ScheduledAt, string(status), createdAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]campaign.SendTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE send_tasks SET claimed_at = $1
		 WHERE id IN (
		     SELECT id FROM send_tasks
		     WHERE status = 'pending' AND scheduled_at <= $2
		       AND (claimed_at IS NULL OR claimed_at <= $3)
		     ORDER BY scheduled_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT $4
		 )
		 RETURNING id, tenant_id, group_id, body, scheduled_at, status, sent_at, detail, created_at`,
		now, now, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.SendTask
	for rows.Next() {
		t, err := scanTaskPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *postgresStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_tasks SET status = 'sent', sent_at = $1, detail = NULL
		 WHERE id = $2 AND status = 'pending'`,
		at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) MarkFailed(ctx context.Context, id string, detail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_tasks SET status = 'failed', detail = $1
		 WHERE id = $2 AND status = 'pending'`,
		detail, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) TaskCounts(ctx context.Context, tenantID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM send_tasks WHERE tenant_id = $1 GROUP BY status`, tenantID)
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

func (s *postgresStore) CountTasksInWindow(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_tasks WHERE tenant_id = $1 AND scheduled_at BETWEEN $2 AND $3`,
		tenantID, from, to).Scan(&n)
	return n, err
}

func (s *postgresStore) ListTasks(ctx context.Context, tenantID string, status campaign.TaskStatus, limit int) ([]campaign.SendTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, tenant_id, group_id, body, scheduled_at, status, sent_at, detail, created_at
	      FROM send_tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status = $2 ORDER BY scheduled_at LIMIT $3`
		args = append(args, string(status), limit)
	} else {
		q += ` ORDER BY scheduled_at LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.SendTask
	for rows.Next() {
		t, err := scanTaskPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanCampaignPostgres(r rowScanner) (*campaign.Campaign, error) {
	var c campaign.Campaign
	var messages, groups []byte
	var intervalMS int64
	if err := r.Scan(&c.ID, &c.TenantID, &c.Name, &messages, &groups,
		&intervalMS, &c.StartAt, &c.EndAt, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(groups, &c.Groups); err != nil {
		return nil, err
	}
	c.Interval = time.Duration(intervalMS) * time.Millisecond
	return &c, nil
}

func scanTaskPostgres(r rowScanner) (*campaign.SendTask, error) {
	var t campaign.SendTask
	var status string
	var sentAt sql.NullTime
	var detail sql.NullString
	if err := r.Scan(&t.ID, &t.TenantID, &t.GroupID, &t.Text,
		&t.ScheduledAt, &status, &sentAt, &detail, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = campaign.TaskStatus(status)
	if sentAt.Valid {
		at := sentAt.Time
		t.SentAt = &at
	}
	t.Detail = detail.String
	return &t, nil
}
