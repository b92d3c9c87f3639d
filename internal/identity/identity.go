// Package identity models who owns schedules and tasks: a signed-in
// account, or a generated device id standing in until sign-in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"visaquest/internal/eventbus"
	"visaquest/internal/storage"
	"visaquest/pkg/logx"
)

var (
	ErrAlreadyMigrated = errors.New("device already migrated")
	ErrBadIdentity     = errors.New("invalid identity")
)

// Kind discriminates the identity sum type.
type Kind int

const (
	Anonymous Kind = iota
	Authenticated
)

// UserIdentity is either Anonymous(deviceID) or Authenticated(accountID).
// Key() is the storage join key for all of the identity's records.
type UserIdentity struct {
	kind Kind
	id   string
}

func NewAnonymous(deviceID string) UserIdentity {
	return UserIdentity{kind: Anonymous, id: deviceID}
}

func NewAuthenticated(accountID string) UserIdentity {
	return UserIdentity{kind: Authenticated, id: accountID}
}

func (u UserIdentity) Kind() Kind   { return u.kind }
func (u UserIdentity) Key() string  { return u.id }
func (u UserIdentity) IsZero() bool { return u.id == "" }

func (u UserIdentity) String() string {
	if u.kind == Authenticated {
		return "account:" + u.id
	}
	return "device:" + u.id
}

// Service issues device identities and migrates anonymous data onto
// accounts.
type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewService(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{store: store, bus: bus, log: log}
}

// NewDevice mints and persists a fresh anonymous device identity. The
// id is stable: the caller stores it client-side and presents it on
// every request until sign-in.
func (s *Service) NewDevice(ctx context.Context) (UserIdentity, error) {
	rec := storage.IdentityRecord{
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutIdentity(ctx, rec); err != nil {
		return UserIdentity{}, err
	}
	s.log.Info("device identity issued", logx.String("device", rec.DeviceID))
	return NewAnonymous(rec.DeviceID), nil
}

// Migrate re-keys every record owned by Anonymous(deviceID) to
// Authenticated(accountID) in one atomic batch. Calling it again for
// an already-migrated device is rejected, not repeated.
func (s *Service) Migrate(ctx context.Context, deviceID, accountID string) (moved int, err error) {
	deviceID = strings.TrimSpace(deviceID)
	accountID = strings.TrimSpace(accountID)
	if deviceID == "" || accountID == "" {
		return 0, fmt.Errorf("%w: empty key", ErrBadIdentity)
	}
	rec, ok, err := s.store.GetIdentity(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if ok && rec.MigratedAt != nil {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyMigrated, deviceID)
	}

	moved, err = s.store.MigrateUser(ctx, deviceID, accountID)
	if err != nil {
		return 0, err
	}
	s.log.Info("identity migrated",
		logx.String("device", deviceID),
		logx.String("account", accountID),
		logx.Int("records", moved))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Kind: eventbus.KindIdentityMerged,
			User: accountID,
			Data: map[string]any{"device": deviceID, "moved": moved},
		})
	}
	return moved, nil
}
