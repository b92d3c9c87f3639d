package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"visaquest/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteScheduleRoundtrip(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	if _, ok, err := st.GetSchedule(ctx, "u1"); err != nil || ok {
		t.Fatalf("GetSchedule on empty store = ok %v, err %v", ok, err)
	}
	doc := []byte(`{"notifications":{"enabled":true}}`)
	if err := st.PutSchedule(ctx, "u1", doc); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	got, ok, err := st.GetSchedule(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("GetSchedule = ok %v, err %v", ok, err)
	}
	if !bytes.Equal(got, doc) {
		t.Fatalf("schedule roundtrip = %s, want %s", got, doc)
	}

	// Upsert replaces.
	doc2 := []byte(`{"notifications":{"enabled":false}}`)
	if err := st.PutSchedule(ctx, "u1", doc2); err != nil {
		t.Fatalf("PutSchedule update: %v", err)
	}
	got, _, _ = st.GetSchedule(ctx, "u1")
	if !bytes.Equal(got, doc2) {
		t.Fatalf("schedule after update = %s, want %s", got, doc2)
	}

	_ = st.PutSchedule(ctx, "u2", doc)
	users, err := st.ListScheduleUsers(ctx)
	if err != nil {
		t.Fatalf("ListScheduleUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("ListScheduleUsers = %v", users)
	}
}

func TestSQLiteTaskLifecycle(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	rec := TaskRecord{
		ID:          "t1",
		UserKey:     "u1",
		TaskRef:     "biometrics",
		Title:       "Biometrics appointment",
		Category:    "visa",
		ScheduledAt: at,
		Status:      StatusPending,
		Generation:  1,
		NotifyOn:    true,
		CreatedAt:   at.Add(-time.Hour),
	}
	if err := st.CreateTask(ctx, rec); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, ok, err := st.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask = ok %v, err %v", ok, err)
	}
	if !got.ScheduledAt.Equal(at) || got.Status != StatusPending || got.Generation != 1 || !got.NotifyOn {
		t.Fatalf("GetTask roundtrip = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Fatalf("fresh task has CompletedAt %v", got.CompletedAt)
	}

	exists, err := st.ActiveTaskExists(ctx, "u1", "biometrics", at.Add(-6*time.Hour), at.Add(6*time.Hour))
	if err != nil || !exists {
		t.Fatalf("ActiveTaskExists = %v, err %v", exists, err)
	}
	if exists, _ = st.ActiveTaskExists(ctx, "u1", "biometrics", at.Add(24*time.Hour), at.Add(30*time.Hour)); exists {
		t.Fatal("ActiveTaskExists matched outside the day window")
	}

	// Guarded transition: wrong from-set writes nothing.
	ok, err = st.TransitionTask(ctx, "t1", []TaskStatus{StatusReminderSent}, StatusCompleted, nil)
	if err != nil || ok {
		t.Fatalf("TransitionTask with stale guard = %v, err %v", ok, err)
	}
	done := at.Add(30 * time.Minute)
	ok, err = st.TransitionTask(ctx, "t1", []TaskStatus{StatusPending, StatusReminderSent}, StatusCompleted, &done)
	if err != nil || !ok {
		t.Fatalf("TransitionTask = %v, err %v", ok, err)
	}
	got, _, _ = st.GetTask(ctx, "t1")
	if got.Status != StatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("after complete = %+v", got)
	}
}

func TestSQLiteRescheduleBumpsGeneration(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	_ = st.CreateTask(ctx, TaskRecord{
		ID: "t1", UserKey: "u1", TaskRef: "call-lawyer",
		ScheduledAt: at, Status: StatusReminderSent, Generation: 3,
		CreatedAt: at,
	})

	later := at.Add(2 * time.Hour)
	ok, err := st.RescheduleTask(ctx, "t1", later)
	if err != nil || !ok {
		t.Fatalf("RescheduleTask = %v, err %v", ok, err)
	}
	got, _, _ := st.GetTask(ctx, "t1")
	if got.Generation != 4 || got.Status != StatusPending || !got.ScheduledAt.Equal(later) {
		t.Fatalf("after reschedule = %+v", got)
	}
	if ok, _ = st.RescheduleTask(ctx, "missing", later); ok {
		t.Fatal("RescheduleTask claimed an unknown id")
	}
}

func TestSQLiteTasksInWindowOrdered(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"late", "early", "mid"} {
		offsets := map[string]time.Duration{"early": 0, "mid": time.Hour, "late": 3 * time.Hour}
		_ = st.CreateTask(ctx, TaskRecord{
			ID: id, UserKey: "u1", TaskRef: id,
			ScheduledAt: base.Add(offsets[id]), Status: StatusPending,
			Generation: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	_ = st.CreateTask(ctx, TaskRecord{
		ID: "other", UserKey: "u2", TaskRef: "other",
		ScheduledAt: base, Status: StatusPending, Generation: 1, CreatedAt: base,
	})

	tasks, err := st.TasksInWindow(ctx, "u1", base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("TasksInWindow: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "early" || tasks[1].ID != "mid" {
		t.Fatalf("TasksInWindow = %+v", tasks)
	}

	due, err := st.ActiveTasksDue(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("ActiveTasksDue: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("ActiveTasksDue returned %d tasks, want 3", len(due))
	}
}

func TestSQLiteClaimDelivery(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	// The caller's clock, entirely decoupled from the wall clock:
	// claim expiry must be judged against this timeline only.
	now := time.Date(2000, 6, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(48 * time.Hour)

	claimed, err := st.ClaimDelivery(ctx, "t1#15#2", now, until)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, err %v", claimed, err)
	}
	if claimed, _ = st.ClaimDelivery(ctx, "t1#15#2", now, until); claimed {
		t.Fatal("duplicate key was claimed twice")
	}
	if claimed, _ = st.ClaimDelivery(ctx, "t1#5#2", now, until); !claimed {
		t.Fatal("distinct key was rejected")
	}
	if claimed, _ = st.ClaimDelivery(ctx, "", now, until); claimed {
		t.Fatal("empty key was claimed")
	}

	// An expired claim can be re-taken.
	if claimed, _ = st.ClaimDelivery(ctx, "old", now, now.Add(-time.Minute)); !claimed {
		t.Fatal("expired-on-arrival claim was rejected")
	}
	if claimed, _ = st.ClaimDelivery(ctx, "old", now, until); !claimed {
		t.Fatal("expired claim was not reclaimable")
	}

	// The claim stays live as the caller's clock advances toward until
	// and lapses once it passes it.
	if claimed, _ = st.ClaimDelivery(ctx, "t1#15#2", now.Add(47*time.Hour), until); claimed {
		t.Fatal("live claim was re-granted before its horizon")
	}
	if claimed, _ = st.ClaimDelivery(ctx, "t1#15#2", until.Add(time.Second), until.Add(49*time.Hour)); !claimed {
		t.Fatal("lapsed claim was not reclaimable")
	}
}

func TestSQLiteIdentityAndMigrate(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	if err := st.PutIdentity(ctx, IdentityRecord{DeviceID: "dev-1", CreatedAt: created}); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}
	rec, ok, err := st.GetIdentity(ctx, "dev-1")
	if err != nil || !ok {
		t.Fatalf("GetIdentity = ok %v, err %v", ok, err)
	}
	if rec.AccountID != "" || rec.MigratedAt != nil || !rec.CreatedAt.Equal(created) {
		t.Fatalf("GetIdentity roundtrip = %+v", rec)
	}

	_ = st.PutSchedule(ctx, "dev-1", []byte(`{}`))
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	_ = st.CreateTask(ctx, TaskRecord{ID: "t1", UserKey: "dev-1", TaskRef: "a", ScheduledAt: at, Status: StatusPending, Generation: 1, CreatedAt: at})
	_ = st.CreateTask(ctx, TaskRecord{ID: "t2", UserKey: "dev-1", TaskRef: "b", ScheduledAt: at, Status: StatusCompleted, Generation: 1, CreatedAt: at})

	moved, err := st.MigrateUser(ctx, "dev-1", "acct-1")
	if err != nil {
		t.Fatalf("MigrateUser: %v", err)
	}
	if moved != 3 {
		t.Fatalf("MigrateUser moved %d rows, want 3", moved)
	}
	if _, ok, _ := st.GetSchedule(ctx, "dev-1"); ok {
		t.Fatal("schedule still keyed by device after migration")
	}
	if _, ok, _ := st.GetSchedule(ctx, "acct-1"); !ok {
		t.Fatal("schedule not re-keyed to account")
	}
	tasks, _ := st.TasksInWindow(ctx, "acct-1", at.Add(-time.Hour), at.Add(time.Hour))
	if len(tasks) != 2 {
		t.Fatalf("account has %d tasks after migration, want 2", len(tasks))
	}
	rec, _, _ = st.GetIdentity(ctx, "dev-1")
	if rec.AccountID != "acct-1" || rec.MigratedAt == nil {
		t.Fatalf("identity not stamped: %+v", rec)
	}

	// An existing account schedule wins over the device one.
	st2 := openTestSQLite(t)
	_ = st2.PutSchedule(ctx, "dev-2", []byte(`{"v":"device"}`))
	_ = st2.PutSchedule(ctx, "acct-2", []byte(`{"v":"account"}`))
	_ = st2.PutIdentity(ctx, IdentityRecord{DeviceID: "dev-2", CreatedAt: created})
	if _, err := st2.MigrateUser(ctx, "dev-2", "acct-2"); err != nil {
		t.Fatalf("MigrateUser: %v", err)
	}
	raw, _, _ := st2.GetSchedule(ctx, "acct-2")
	if !bytes.Equal(raw, []byte(`{"v":"account"}`)) {
		t.Fatalf("account schedule clobbered: %s", raw)
	}
	if _, ok, _ := st2.GetSchedule(ctx, "dev-2"); ok {
		t.Fatal("device schedule survived migration")
	}
}
