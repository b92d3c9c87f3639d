package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"visaquest/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./visaquest.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
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

func (s *sqliteStore) GetSchedule(ctx context.Context, userKey string) ([]byte, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM schedules WHERE user_key = ?`, userKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (s *sqliteStore) PutSchedule(ctx context.Context, userKey string, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(user_key, config, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_key) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`,
		userKey, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListScheduleUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_key FROM schedules ORDER BY user_key`)
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

func (s *sqliteStore) CreateTask(ctx context.Context, t TaskRecord) error {
	var completed any
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, user_key, task_ref, title, description, category,
		                   scheduled_at, status, generation, notify_on, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserKey, t.TaskRef, t.Title, t.Description, t.Category,
		t.ScheduledAt.UnixMilli(), string(t.Status), t.Generation, boolInt(t.NotifyOn),
		t.CreatedAt.UnixMilli(), completed)
	return err
}

const taskColumns = `id, user_key, task_ref, title, description, category,
 scheduled_at, status, generation, notify_on, created_at, completed_at`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) TasksInWindow(ctx context.Context, userKey string, from, to time.Time) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE user_key = ? AND scheduled_at >= ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC`,
		userKey, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) ActiveTasksDue(ctx context.Context, before time.Time) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC`,
		string(StatusPending), string(StatusReminderSent), before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) ActiveTaskExists(ctx context.Context, userKey, taskRef string, dayStart, dayEnd time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks
		 WHERE user_key = ? AND task_ref = ? AND status IN (?, ?)
		   AND scheduled_at >= ? AND scheduled_at < ?`,
		userKey, taskRef, string(StatusPending), string(StatusReminderSent),
		dayStart.UnixMilli(), dayEnd.UnixMilli()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) TransitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, completedAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to))
	var completed any
	if completedAt != nil {
		completed = completedAt.UnixMilli()
	}
	args = append(args, completed, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RescheduleTask(ctx context.Context, id string, when time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET scheduled_at = ?, status = ?, generation = generation + 1, completed_at = NULL
		 WHERE id = ?`,
		when.UnixMilli(), string(StatusPending), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ClaimDelivery(ctx context.Context, key string, now, until time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	// Expired claims may be reclaimed; live ones block the insert.
	// Expiry is judged on the caller's clock, never the wall clock.
	nowMilli := now.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE deliveries.until < ?`,
		key, until.UnixMilli(), nowMilli)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM deliveries WHERE until < ?`, nowMilli)
		cancel()
	}
	return n > 0, nil
}

func (s *sqliteStore) PutIdentity(ctx context.Context, rec IdentityRecord) error {
	var migrated any
	if rec.MigratedAt != nil {
		migrated = rec.MigratedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(device_id, account_id, created_at, migrated_at) VALUES(?,?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET account_id=excluded.account_id, migrated_at=excluded.migrated_at`,
		rec.DeviceID, rec.AccountID, rec.CreatedAt.UnixMilli(), migrated)
	return err
}

func (s *sqliteStore) GetIdentity(ctx context.Context, deviceID string) (IdentityRecord, bool, error) {
	var rec IdentityRecord
	var created int64
	var migrated sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, account_id, created_at, migrated_at FROM identities WHERE device_id = ?`,
		deviceID).Scan(&rec.DeviceID, &rec.AccountID, &created, &migrated)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityRecord{}, false, nil
	}
	if err != nil {
		return IdentityRecord{}, false, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	if migrated.Valid {
		at := time.UnixMilli(migrated.Int64)
		rec.MigratedAt = &at
	}
	return rec, true, nil
}

func (s *sqliteStore) MigrateUser(ctx context.Context, fromKey, toKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	moved := 0
	// Keep an existing schedule under the account key; otherwise re-key.
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM schedules WHERE user_key = ?`, toKey).Scan(&exists); err != nil {
		return 0, err
	}
	if exists > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE user_key = ?`, fromKey)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		moved += int(n)
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE schedules SET user_key = ? WHERE user_key = ?`, toKey, fromKey)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		moved += int(n)
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET user_key = ? WHERE user_key = ?`, toKey, fromKey)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	moved += int(n)

	_, err = tx.ExecContext(ctx,
		`UPDATE identities SET account_id = ?, migrated_at = ? WHERE device_id = ?`,
		toKey, time.Now().UnixMilli(), fromKey)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return moved, nil
}

func scanTask(row *sql.Row) (TaskRecord, error) {
	var t TaskRecord
	var scheduled, created int64
	var status string
	var notify int
	var completed sql.NullInt64
	err := row.Scan(&t.ID, &t.UserKey, &t.TaskRef, &t.Title, &t.Description, &t.Category,
		&scheduled, &status, &t.Generation, &notify, &created, &completed)
	if err != nil {
		return TaskRecord{}, err
	}
	fillTaskTimes(&t, scheduled, status, notify, created, completed)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]TaskRecord, error) {
	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var scheduled, created int64
		var status string
		var notify int
		var completed sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserKey, &t.TaskRef, &t.Title, &t.Description, &t.Category,
			&scheduled, &status, &t.Generation, &notify, &created, &completed); err != nil {
			return nil, err
		}
		fillTaskTimes(&t, scheduled, status, notify, created, completed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func fillTaskTimes(t *TaskRecord, scheduled int64, status string, notify int, created int64, completed sql.NullInt64) {
	t.ScheduledAt = time.UnixMilli(scheduled)
	t.Status = TaskStatus(status)
	t.NotifyOn = notify != 0
	t.CreatedAt = time.UnixMilli(created)
	if completed.Valid {
		at := time.UnixMilli(completed.Int64)
		t.CompletedAt = &at
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
