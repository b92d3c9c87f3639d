package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"visaquest/internal/identity"
	"visaquest/internal/planner"
	"visaquest/internal/registry"
	"visaquest/internal/schedule"
)

// userKey resolves the caller identity key: header first, query second.
func userKey(r *http.Request) string {
	if k := r.Header.Get("X-User-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("user")
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"degraded_notifications": s.bridge.Degraded(),
		"deliveries":             len(s.bridge.History()),
	})
}

func (s *Service) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user key required")
		return
	}
	cfg, err := s.schedules.Get(r.Context(), user)
	if errors.Is(err, schedule.ErrStoreUnavailable) {
		// degraded read: still usable, but tell the client
		w.Header().Set("X-Degraded", "true")
		writeJSON(w, http.StatusOK, cfg)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user key required")
		return
	}
	var patch schedule.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.schedules.Update(r.Context(), user, patch)
	if errors.Is(err, schedule.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable; retry later")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type createTaskRequest struct {
	User        string    `json:"user"`
	Ref         string    `json:"ref"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	At          time.Time `json:"at"`
	Immediate   bool      `json:"immediate,omitempty"`
	NoNotify    bool      `json:"no_notify,omitempty"`
}

func (s *Service) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User == "" {
		req.User = userKey(r)
	}
	if req.User == "" || req.Ref == "" {
		writeError(w, http.StatusBadRequest, "user and ref required")
		return
	}
	id, err := s.tasks.Schedule(r.Context(), req.User,
		registry.TaskDef{Ref: req.Ref, Title: req.Title, Description: req.Description, Category: req.Category},
		req.At,
		registry.ScheduleOptions{Immediate: req.Immediate, DisableNotifications: req.NoNotify})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user key required")
		return
	}
	q := r.URL.Query()
	now := time.Now()
	from, to := now.Add(-24*time.Hour), now.Add(7*24*time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
		to = t
	}
	tasks, err := s.tasks.TasksInWindow(r.Context(), user, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskViews(tasks)})
}

func (s *Service) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	err := s.tasks.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Service) handleRescheduleTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At time.Time `json:"at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.tasks.Reschedule(r.Context(), r.PathValue("id"), req.At); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

func (s *Service) handleSnoozeTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.tasks.Snooze(r.Context(), r.PathValue("id"), time.Duration(req.Minutes)*time.Minute); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "snoozed"})
}

func (s *Service) handleSuggestSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string    `json:"user"`
		Category string    `json:"category"`
		Day      time.Time `json:"day"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User == "" {
		req.User = userKey(r)
	}
	if req.Day.IsZero() {
		req.Day = time.Now()
	}
	at, err := s.plan.SuggestSlot(r.Context(), req.User, req.Category, req.Day)
	if errors.Is(err, planner.ErrNoSlot) {
		writeError(w, http.StatusConflict, "no free slot available")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"at": at})
}

func (s *Service) handleNewDevice(w http.ResponseWriter, r *http.Request) {
	id, err := s.identities.NewDevice(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": id.Key()})
}

func (s *Service) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"device_id"`
		AccountID string `json:"account_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	moved, err := s.identities.Migrate(r.Context(), req.DeviceID, req.AccountID)
	if errors.Is(err, identity.ErrAlreadyMigrated) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, identity.ErrBadIdentity) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": moved})
}

// ---- helpers ----

type taskView struct {
	ID          string     `json:"id"`
	Ref         string     `json:"ref"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func taskViews(ts []registry.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskView{
			ID:          t.ID,
			Ref:         t.TaskRef,
			Title:       t.Title,
			Description: t.Description,
			Category:    t.Category,
			ScheduledAt: t.ScheduledAt,
			Status:      string(t.Status),
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	return out
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidTime):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateActive), errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
