package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"visaquest/internal/eventbus"
	"visaquest/internal/storage"
	"visaquest/pkg/logx"
)

// ErrStoreUnavailable wraps storage failures. Callers still get a
// usable config (last-known-good or defaults) alongside it.
var ErrStoreUnavailable = storage.ErrUnavailable

// Service is the schedule store: durable per-user config with
// create-on-first-access and shallow-merge updates.
//
// A per-user last-known-good cache backs reads when the store is
// unreachable, so an offline device still resolves buckets, breaks and
// lead times against the config it last saw.
type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	cache map[string]Config
}

func NewService(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   log,
		cache: map[string]Config{},
	}
}

// Get returns the user's config, creating it with defaults on first
// access. On storage failure it returns the cached (or default) config
// together with ErrStoreUnavailable; the caller decides whether
// degraded data is acceptable.
func (s *Service) Get(ctx context.Context, userKey string) (Config, error) {
	raw, ok, err := s.store.GetSchedule(ctx, userKey)
	if err != nil {
		return s.fallback(userKey), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		cfg := Defaults()
		cfg.UpdatedAt = time.Now().UTC()
		if err := s.persist(ctx, userKey, cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		s.remember(userKey, cfg)
		s.log.Debug("schedule created with defaults", logx.String("user", userKey))
		return cfg, nil
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// A corrupt document is worse than unavailable: fall back but
		// keep the record untouched for forensics.
		s.log.Error("schedule document corrupt", logx.String("user", userKey), logx.Err(err))
		return s.fallback(userKey), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.remember(userKey, cfg)
	return cfg, nil
}

// Update applies a partial patch. Merge is shallow: each section in
// the patch replaces the stored section wholesale. Concurrent updates
// are last-writer-wins; acceptable for a single user's own config.
func (s *Service) Update(ctx context.Context, userKey string, patch Patch) (Config, error) {
	if patch.IsZero() {
		return s.Get(ctx, userKey)
	}
	cur, err := s.Get(ctx, userKey)
	if err != nil {
		return cur, err
	}
	next := patch.apply(cur)
	next.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, userKey, next); err != nil {
		return cur, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.remember(userKey, next)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindScheduleUpdated, User: userKey})
	}
	s.log.Debug("schedule updated", logx.String("user", userKey))
	return next, nil
}

// Users lists user keys with a stored schedule (digest registration).
func (s *Service) Users(ctx context.Context) ([]string, error) {
	return s.store.ListScheduleUsers(ctx)
}

func (s *Service) persist(ctx context.Context, userKey string, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.store.PutSchedule(ctx, userKey, raw)
}

func (s *Service) remember(userKey string, cfg Config) {
	s.mu.Lock()
	s.cache[userKey] = cfg
	s.mu.Unlock()
}

func (s *Service) fallback(userKey string) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.cache[userKey]; ok {
		return cfg
	}
	return Defaults()
}
