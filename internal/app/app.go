// Package app assembles the daemon: config, logging, storage and the
// scheduling services, in dependency order. It owns startup, config
// hot-reload fan-out and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jmhodges/clock"

	"visaquest/internal/config"
	"visaquest/internal/eventbus"
	"visaquest/internal/httpapi"
	"visaquest/internal/identity"
	"visaquest/internal/notify"
	"visaquest/internal/planner"
	"visaquest/internal/registry"
	"visaquest/internal/reminder"
	"visaquest/internal/schedule"
	"visaquest/internal/storage"
	"visaquest/internal/timectx"
	"visaquest/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	bus  eventbus.Bus

	store storage.Store

	schedules  *schedule.Service
	tasks      *registry.Service
	bridge     *notify.Service
	reminders  *reminder.Service
	plan       *planner.Planner
	identities *identity.Service
	api        *httpapi.Service

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrDisabled) {
		appLog.Warn("storage disabled; falling back to in-memory store (state is lost on restart)")
		store = storage.NewMemory()
	} else if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	bus := eventbus.New()
	clk := clock.New()
	resolver := timectx.NewResolver(clk)

	schedules := schedule.NewService(store, bus, log.With(logx.String("comp", "schedule")))
	tasks := registry.NewService(store, bus, clk, log.With(logx.String("comp", "registry")))

	adapters := []notify.Adapter{}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramAdapter(notify.TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatIDs: cfg.Telegram.ChatIDs,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		adapters = append(adapters, tg)
	}
	// The log adapter always comes last so real channels get first shot.
	adapters = append(adapters, notify.NewLogAdapter(log.With(logx.String("comp", "notify"))))

	bridge := notify.New(mapNotifierConfig(cfg), tasks, adapters, bus,
		log.With(logx.String("comp", "notify")))

	reminders := reminder.New(mapReminderConfig(cfg), store, tasks, schedules,
		resolver, bridge, bus, clk, log.With(logx.String("comp", "reminder")))

	plan := planner.New(schedules, tasks, resolver, log.With(logx.String("comp", "planner")))
	identities := identity.NewService(store, bus, log.With(logx.String("comp", "identity")))

	var api *httpapi.Service
	if cfg.HTTP.Enabled {
		api = httpapi.New(httpapi.Config{Enabled: true, Addr: cfg.HTTP.Addr},
			schedules, tasks, bridge, identities, plan, bus,
			log.With(logx.String("comp", "http")))
	}

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        appLog,
		bus:        bus,
		store:      store,
		schedules:  schedules,
		tasks:      tasks,
		bridge:     bridge,
		reminders:  reminders,
		plan:       plan,
		identities: identities,
		api:        api,
		done:       make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bridge.Start(runCtx)
	if err := a.reminders.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	go a.reloadLoop(runCtx, sub)
	go func() {
		defer close(a.done)
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Tell systemd we are up when running under Type=notify; a no-op
	// everywhere else.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		go a.watchdogLoop(runCtx)
	}

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}

	// One component must not stall the whole shutdown.
	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	if a.api != nil {
		step("http", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	}
	step("reminder", 2*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.bridge.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	select {
	case <-a.done:
	case <-ctx.Done():
	}

	a.log.Info("stopped")
	a.log.Close()
	return nil
}

// reloadLoop applies hot config changes. Only live-tunable sections are
// applied in place; storage, logging output and HTTP bind changes need
// a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.bridge.Apply(mapNotifierConfig(cfg))
			a.log.Info("config reloaded")
		}
	}
}

// watchdogLoop pings the systemd watchdog at half the configured
// interval when WatchdogSec is set on the unit.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 0),
	}
}

func mapNotifierConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:       cfg.Notifier.Enabled,
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     config.Duration(cfg.Notifier.RetryBase, 0),
		RetryMaxDelay: config.Duration(cfg.Notifier.RetryMaxDelay, 0),
		HistorySize:   cfg.Notifier.HistorySize,
	}
}

func mapReminderConfig(cfg *config.Config) reminder.Config {
	return reminder.Config{
		Enabled:       cfg.Reminder.Enabled,
		SweepInterval: config.Duration(cfg.Reminder.SweepInterval, 0),
		ArmHorizon:    config.Duration(cfg.Reminder.ArmHorizon, 0),
		ExpireAfter:   config.Duration(cfg.Reminder.ExpireAfter, 0),
		ClaimTTL:      config.Duration(cfg.Reminder.ClaimTTL, 0),
	}
}
