package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"visaquest/internal/eventbus"
	"visaquest/internal/identity"
	"visaquest/internal/notify"
	"visaquest/internal/planner"
	"visaquest/internal/registry"
	"visaquest/internal/schedule"
	"visaquest/internal/storage"
	"visaquest/internal/timectx"
	"visaquest/pkg/logx"
)

func newTestMux(t *testing.T) (*http.ServeMux, *registry.Service) {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New()
	log := logx.Nop()
	schedules := schedule.NewService(store, bus, log)
	tasks := registry.NewService(store, bus, nil, log)
	bridge := notify.New(notify.Config{Enabled: true}, tasks, []notify.Adapter{notify.NewLogAdapter(log)}, bus, log)
	identities := identity.NewService(store, bus, log)
	plan := planner.New(schedules, tasks, timectx.NewResolver(nil), log)

	svc := New(Config{Enabled: true}, schedules, tasks, bridge, identities, plan, bus, log)
	mux := http.NewServeMux()
	svc.routes(mux)
	return mux, tasks
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-Key", "u1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/v1/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]string
	decode(t, rec, &out)
	if out["version"] != Version {
		t.Fatalf("version = %q", out["version"])
	}
}

func TestScheduleGetAndPatch(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodGet, "/v1/schedule", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", rec.Code, rec.Body.String())
	}
	var cfg schedule.Config
	decode(t, rec, &cfg)
	if cfg.WorkingHours.Start != "09:00" {
		t.Fatalf("defaults not served: %+v", cfg.WorkingHours)
	}

	rec = doJSON(t, mux, http.MethodPatch, "/v1/schedule", map[string]any{
		"working_hours": map[string]string{"start": "10:00", "end": "19:00", "timezone": "UTC"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &cfg)
	if cfg.WorkingHours.Start != "10:00" {
		t.Fatalf("patch not applied: %+v", cfg.WorkingHours)
	}
	if !cfg.Notifications.Enabled {
		t.Fatal("unrelated section lost by patch")
	}

	// missing user key
	req := httptest.NewRequest(http.MethodGet, "/v1/schedule", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no user key: status = %d", w.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(t)
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	rec := doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"ref": "water", "title": "Drink water", "at": at,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	decode(t, rec, &created)
	id := created["id"]
	if id == "" {
		t.Fatal("no task id returned")
	}

	// duplicate active same day
	rec = doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"ref": "water", "title": "Drink water", "at": at.Add(time.Hour),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	// past time
	rec = doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{
		"ref": "stretch", "at": time.Now().Add(-time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("past time status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Tasks []taskView `json:"tasks"`
	}
	decode(t, rec, &listed)
	if len(listed.Tasks) != 1 || listed.Tasks[0].ID != id {
		t.Fatalf("unexpected list: %+v", listed.Tasks)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/tasks/"+id+"/reschedule", map[string]any{
		"at": at.Add(3 * time.Hour),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/tasks/"+id+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/tasks/nope/complete", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestSnoozeOverHTTP(t *testing.T) {
	t.Parallel()
	mux, tasks := newTestMux(t)
	at := time.Now().Add(2 * time.Hour)

	rec := doJSON(t, mux, http.MethodPost, "/v1/tasks", map[string]any{"ref": "water", "at": at})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created map[string]string
	decode(t, rec, &created)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/snooze", created["id"]), map[string]any{"minutes": 20})
	if rec.Code != http.StatusOK {
		t.Fatalf("snooze status = %d: %s", rec.Code, rec.Body.String())
	}
	got, err := tasks.Get(context.Background(), created["id"])
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ScheduledAt.After(time.Now().Add(21*time.Minute)) || got.ScheduledAt.Before(time.Now().Add(19*time.Minute)) {
		t.Fatalf("snoozed to %v, want ~now+20m", got.ScheduledAt)
	}
}

func TestIdentityOverHTTP(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/identity/device", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("device status = %d: %s", rec.Code, rec.Body.String())
	}
	var dev map[string]string
	decode(t, rec, &dev)
	if dev["device_id"] == "" {
		t.Fatal("no device id")
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/identity/migrate", map[string]string{
		"device_id": dev["device_id"], "account_id": "acct-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("migrate status = %d: %s", rec.Code, rec.Body.String())
	}

	// repeat migration conflicts
	rec = doJSON(t, mux, http.MethodPost, "/v1/identity/migrate", map[string]string{
		"device_id": dev["device_id"], "account_id": "acct-2",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second migrate status = %d, want 409", rec.Code)
	}

	// bad input
	rec = doJSON(t, mux, http.MethodPost, "/v1/identity/migrate", map[string]string{"device_id": " "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad migrate status = %d, want 400", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	decode(t, rec, &out)
	// the log adapter is the only channel, so the bridge is degraded
	if out["degraded_notifications"] != true {
		t.Fatalf("degraded = %v, want true", out["degraded_notifications"])
	}
}
