package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"visaquest/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS schedules (
    user_key    TEXT PRIMARY KEY,
    config      JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    user_key     TEXT NOT NULL,
    task_ref     TEXT NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    scheduled_at TIMESTAMPTZ NOT NULL,
    status       TEXT NOT NULL,
    generation   BIGINT NOT NULL DEFAULT 0,
    notify_on    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_time ON tasks(user_key, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status_time ON tasks(status, scheduled_at);
CREATE TABLE IF NOT EXISTS deliveries (
    key   TEXT PRIMARY KEY,
    until TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS identities (
    device_id   TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    migrated_at TIMESTAMPTZ
);`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) GetSchedule(ctx context.Context, userKey string) ([]byte, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT config FROM schedules WHERE user_key = $1`, userKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *pgStore) PutSchedule(ctx context.Context, userKey string, raw []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schedules(user_key, config, updated_at) VALUES($1,$2,now())
		 ON CONFLICT(user_key) DO UPDATE SET config=EXCLUDED.config, updated_at=EXCLUDED.updated_at`,
		userKey, raw)
	return err
}

func (s *pgStore) ListScheduleUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_key FROM schedules ORDER BY user_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *pgStore) CreateTask(ctx context.Context, t TaskRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks(id, user_key, task_ref, title, description, category,
		                   scheduled_at, status, generation, notify_on, created_at, completed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.UserKey, t.TaskRef, t.Title, t.Description, t.Category,
		t.ScheduledAt, string(t.Status), t.Generation, t.NotifyOn, t.CreatedAt, t.CompletedAt)
	return err
}

const pgTaskColumns = `id, user_key, task_ref, title, description, category,
 scheduled_at, status, generation, notify_on, created_at, completed_at`

func (s *pgStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer rows.Close()
	ts, err := collectPGTasks(rows)
	if err != nil {
		return TaskRecord{}, false, err
	}
	if len(ts) == 0 {
		return TaskRecord{}, false, nil
	}
	return ts[0], true, nil
}

func (s *pgStore) TasksInWindow(ctx context.Context, userKey string, from, to time.Time) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks
		 WHERE user_key = $1 AND scheduled_at >= $2 AND scheduled_at <= $3
		 ORDER BY scheduled_at ASC`, userKey, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGTasks(rows)
}

func (s *pgStore) ActiveTasksDue(ctx context.Context, before time.Time) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks
		 WHERE status = ANY($1) AND scheduled_at <= $2
		 ORDER BY scheduled_at ASC`,
		[]string{string(StatusPending), string(StatusReminderSent)}, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGTasks(rows)
}

func (s *pgStore) ActiveTaskExists(ctx context.Context, userKey, taskRef string, dayStart, dayEnd time.Time) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM tasks
		 WHERE user_key = $1 AND task_ref = $2 AND status = ANY($3)
		   AND scheduled_at >= $4 AND scheduled_at < $5`,
		userKey, taskRef, []string{string(StatusPending), string(StatusReminderSent)},
		dayStart, dayEnd).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *pgStore) TransitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, completedAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, completed_at = COALESCE($2, completed_at)
		 WHERE id = $3 AND status = ANY($4)`,
		string(to), completedAt, id, fromStrs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) RescheduleTask(ctx context.Context, id string, when time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET scheduled_at = $1, status = $2, generation = generation + 1, completed_at = NULL
		 WHERE id = $3`,
		when, string(StatusPending), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) ClaimDelivery(ctx context.Context, key string, now, until time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries(key, until) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET until=EXCLUDED.until WHERE deliveries.until < $3`,
		key, until, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) PutIdentity(ctx context.Context, rec IdentityRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities(device_id, account_id, created_at, migrated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(device_id) DO UPDATE SET account_id=EXCLUDED.account_id, migrated_at=EXCLUDED.migrated_at`,
		rec.DeviceID, rec.AccountID, rec.CreatedAt, rec.MigratedAt)
	return err
}

func (s *pgStore) GetIdentity(ctx context.Context, deviceID string) (IdentityRecord, bool, error) {
	var rec IdentityRecord
	err := s.pool.QueryRow(ctx,
		`SELECT device_id, account_id, created_at, migrated_at FROM identities WHERE device_id = $1`,
		deviceID).Scan(&rec.DeviceID, &rec.AccountID, &rec.CreatedAt, &rec.MigratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdentityRecord{}, false, nil
	}
	if err != nil {
		return IdentityRecord{}, false, err
	}
	return rec, true, nil
}

func (s *pgStore) MigrateUser(ctx context.Context, fromKey, toKey string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	moved := 0
	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM schedules WHERE user_key = $1`, toKey).Scan(&exists); err != nil {
		return 0, err
	}
	if exists > 0 {
		tag, err := tx.Exec(ctx, `DELETE FROM schedules WHERE user_key = $1`, fromKey)
		if err != nil {
			return 0, err
		}
		moved += int(tag.RowsAffected())
	} else {
		tag, err := tx.Exec(ctx, `UPDATE schedules SET user_key = $1 WHERE user_key = $2`, toKey, fromKey)
		if err != nil {
			return 0, err
		}
		moved += int(tag.RowsAffected())
	}

	tag, err := tx.Exec(ctx, `UPDATE tasks SET user_key = $1 WHERE user_key = $2`, toKey, fromKey)
	if err != nil {
		return 0, err
	}
	moved += int(tag.RowsAffected())

	if _, err := tx.Exec(ctx,
		`UPDATE identities SET account_id = $1, migrated_at = now() WHERE device_id = $2`,
		toKey, fromKey); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return moved, nil
}

func collectPGTasks(rows pgx.Rows) ([]TaskRecord, error) {
	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var status string
		if err := rows.Scan(&t.ID, &t.UserKey, &t.TaskRef, &t.Title, &t.Description, &t.Category,
			&t.ScheduledAt, &status, &t.Generation, &t.NotifyOn, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
