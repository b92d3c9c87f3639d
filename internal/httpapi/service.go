// Package httpapi is the foreground messaging boundary: a JSON API for
// the PWA plus a server-sent-events stream that doubles as foreground
// presence for the notification bridge.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"visaquest/internal/eventbus"
	"visaquest/internal/identity"
	"visaquest/internal/notify"
	"visaquest/internal/planner"
	"visaquest/internal/registry"
	"visaquest/internal/schedule"
	"visaquest/pkg/logx"
)

// Version is stamped at build time (-ldflags "-X ...").
var Version = "dev"

type Config struct {
	Enabled bool
	Addr    string
}

type Service struct {
	cfg Config
	log logx.Logger

	schedules  *schedule.Service
	tasks      *registry.Service
	bridge     *notify.Service
	identities *identity.Service
	plan       *planner.Planner
	bus        eventbus.Bus

	srv *http.Server
}

func New(cfg Config, schedules *schedule.Service, tasks *registry.Service, bridge *notify.Service,
	identities *identity.Service, plan *planner.Planner, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8440"
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		schedules:  schedules,
		tasks:      tasks,
		bridge:     bridge,
		identities: identities,
		plan:       plan,
		bus:        bus,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	s.routes(mux)

	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: the SSE stream is long-lived
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	_ = s.srv.Shutdown(ctx)
}

func (s *Service) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/schedule", s.handleGetSchedule)
	mux.HandleFunc("PATCH /v1/schedule", s.handlePatchSchedule)

	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /v1/tasks/{id}/reschedule", s.handleRescheduleTask)
	mux.HandleFunc("POST /v1/tasks/{id}/snooze", s.handleSnoozeTask)

	mux.HandleFunc("POST /v1/plan/suggest", s.handleSuggestSlot)

	mux.HandleFunc("POST /v1/identity/device", s.handleNewDevice)
	mux.HandleFunc("POST /v1/identity/migrate", s.handleMigrate)
}
