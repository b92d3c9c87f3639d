package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process. It exists for tests and for
// throwaway runs; it honors the same transition guards as the SQL
// backends so the registry behaves identically against it.
type memoryStore struct {
	mu         sync.Mutex
	schedules  map[string][]byte
	tasks      map[string]TaskRecord
	deliveries map[string]time.Time
	identities map[string]IdentityRecord
}

func NewMemory() Store {
	return &memoryStore{
		schedules:  map[string][]byte{},
		tasks:      map[string]TaskRecord{},
		deliveries: map[string]time.Time{},
		identities: map[string]IdentityRecord{},
	}
}

func (m *memoryStore) GetSchedule(_ context.Context, userKey string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.schedules[userKey]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, true, nil
}

func (m *memoryStore) PutSchedule(_ context.Context, userKey string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.schedules[userKey] = cp
	return nil
}

func (m *memoryStore) ListScheduleUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.schedules))
	for k := range m.schedules {
		users = append(users, k)
	}
	sort.Strings(users)
	return users, nil
}

func (m *memoryStore) CreateTask(_ context.Context, t TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *memoryStore) TasksInWindow(_ context.Context, userKey string, from, to time.Time) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, t := range m.tasks {
		if t.UserKey != userKey {
			continue
		}
		if t.ScheduledAt.Before(from) || t.ScheduledAt.After(to) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *memoryStore) ActiveTasksDue(_ context.Context, before time.Time) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for _, t := range m.tasks {
		if !t.Status.Active() {
			continue
		}
		if t.ScheduledAt.After(before) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *memoryStore) ActiveTaskExists(_ context.Context, userKey, taskRef string, dayStart, dayEnd time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.UserKey != userKey || t.TaskRef != taskRef || !t.Status.Active() {
			continue
		}
		if !t.ScheduledAt.Before(dayStart) && t.ScheduledAt.Before(dayEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) TransitionTask(_ context.Context, id string, from []TaskStatus, to TaskStatus, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	t.Status = to
	if completedAt != nil {
		at := *completedAt
		t.CompletedAt = &at
	}
	m.tasks[id] = t
	return true, nil
}

func (m *memoryStore) RescheduleTask(_ context.Context, id string, when time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	t.ScheduledAt = when
	t.Status = StatusPending
	t.Generation++
	t.CompletedAt = nil
	m.tasks[id] = t
	return true, nil
}

func (m *memoryStore) ClaimDelivery(_ context.Context, key string, now, until time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.deliveries[key]; ok && u.After(now) {
		return false, nil
	}
	m.deliveries[key] = until
	// opportunistic prune
	for k, u := range m.deliveries {
		if u.Before(now) {
			delete(m.deliveries, k)
		}
	}
	return true, nil
}

func (m *memoryStore) PutIdentity(_ context.Context, rec IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[rec.DeviceID] = rec
	return nil
}

func (m *memoryStore) GetIdentity(_ context.Context, deviceID string) (IdentityRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.identities[deviceID]
	return rec, ok, nil
}

func (m *memoryStore) MigrateUser(_ context.Context, fromKey, toKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	if raw, ok := m.schedules[fromKey]; ok {
		// an existing schedule under the account key wins
		if _, exists := m.schedules[toKey]; !exists {
			m.schedules[toKey] = raw
		}
		delete(m.schedules, fromKey)
		moved++
	}
	for id, t := range m.tasks {
		if t.UserKey == fromKey {
			t.UserKey = toKey
			m.tasks[id] = t
			moved++
		}
	}
	if rec, ok := m.identities[fromKey]; ok {
		now := time.Now()
		rec.AccountID = toKey
		rec.MigratedAt = &now
		m.identities[fromKey] = rec
	}
	return moved, nil
}

func (m *memoryStore) Close() error { return nil }
