// Package reminder computes and fires reminders for scheduled tasks.
//
// The central correctness rule: armed reminders are a pure function of
// durable state. Timers are recomputed from the task registry and the
// schedule store on every start and on every sweep, so a process
// restart between "armed" and "fired" loses nothing. Relative
// sleep-style delays never outlive this process on purpose.
package reminder

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/robfig/cron/v3"

	"visaquest/internal/eventbus"
	"visaquest/internal/notify"
	"visaquest/internal/registry"
	"visaquest/internal/schedule"
	"visaquest/internal/storage"
	"visaquest/internal/timectx"
	"visaquest/pkg/logx"
)

// minLeadPadding is the floor on how far past the arm horizon sweeps
// query for tasks. A task's scheduled time sits up to its largest lead
// ahead of the fire time, so the sweep window stretches further when
// users configure longer leads (see leadPadding).
const minLeadPadding = 6 * time.Hour

type Config struct {
	Enabled       bool
	SweepInterval time.Duration // default 1m
	ArmHorizon    time.Duration // default 1h
	ExpireAfter   time.Duration // grace past scheduled time, default 2h
	ClaimTTL      time.Duration // delivery claim retention, default 48h
	FireTimeout   time.Duration // per-fire budget, default 30s
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ArmHorizon <= 0 {
		c.ArmHorizon = time.Hour
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 2 * time.Hour
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 48 * time.Hour
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	return c
}

// Deliverer is the notify bridge surface the scheduler needs.
type Deliverer interface {
	Deliver(ctx context.Context, n notify.Notification) (notify.DeliveryResult, error)
}

type Service struct {
	cfg       Config
	store     storage.Store
	tasks     *registry.Service
	schedules *schedule.Service
	resolver  *timectx.Resolver
	bridge    Deliverer
	bus       eventbus.Bus
	clk       clock.Clock
	log       logx.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	c       *cron.Cron

	// armed one-shot timers, keyed by delivery key. The version guard is
	// the same trick the once-timer scheduler uses: a re-arm bumps the
	// version so a stale callback from a replaced timer is ignored.
	tmu    sync.Mutex
	timers map[string]*armedTimer
	vers   map[string]uint64

	// digest cron entries per user, removed and re-added on config change
	dmu     sync.Mutex
	digests map[string][]cron.EntryID
}

func New(cfg Config, store storage.Store, tasks *registry.Service, schedules *schedule.Service,
	resolver *timectx.Resolver, bridge Deliverer, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		tasks:     tasks,
		schedules: schedules,
		resolver:  resolver,
		bridge:    bridge,
		bus:       bus,
		clk:       clk,
		log:       log,
		timers:    map[string]*armedTimer{},
		vers:      map[string]uint64{},
		digests:   map[string][]cron.EntryID{},
	}
}

// Start runs the recovery sweep, then keeps sweeping on an interval and
// re-derives per-user digest crons. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.c = cron.New()
	c := s.c
	s.mu.Unlock()

	// Recovery sweep first: this is what makes reminders survive
	// restarts. Everything armed below derives from durable state.
	s.Sweep(runCtx)
	if err := s.registerDigests(runCtx); err != nil {
		s.log.Warn("digest registration incomplete", logx.Err(err))
	}

	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := c.AddFunc(spec, func() { s.Sweep(runCtx) }); err != nil {
		return err
	}
	c.Start()

	// React to schedule edits: lead times or digest settings changed.
	go s.watchBus(runCtx)

	s.log.Info("reminder scheduler started",
		logx.Duration("sweep", s.cfg.SweepInterval),
		logx.Duration("horizon", s.cfg.ArmHorizon))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	c := s.c
	s.cancel = nil
	s.c = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	// Runtime timers die with the process; durable state re-arms them.
	s.tmu.Lock()
	for _, at := range s.timers {
		close(at.stop)
	}
	s.timers = map[string]*armedTimer{}
	s.vers = map[string]uint64{}
	s.tmu.Unlock()
	s.log.Info("reminder scheduler stopped")
}

func (s *Service) watchBus(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case eventbus.KindScheduleUpdated:
				s.Sweep(ctx)
				if err := s.registerDigests(ctx); err != nil {
					s.log.Warn("digest re-registration failed", logx.String("user", e.User), logx.Err(err))
				}
			case eventbus.KindTaskChanged:
				s.Sweep(ctx)
			}
		}
	}
}

// Sweep re-derives jobs for every active task whose reminders could
// fire inside the arm horizon, arms timers for them, and expires tasks
// past their grace period. Safe to call concurrently; arming is
// idempotent per delivery key.
func (s *Service) Sweep(ctx context.Context) {
	now := s.clk.Now()
	due, err := s.store.ActiveTasksDue(ctx, now.Add(s.cfg.ArmHorizon+s.leadPadding(ctx)))
	if err != nil {
		s.log.Warn("sweep query failed; will retry next interval", logx.Err(err))
		return
	}

	cfgs := map[string]schedule.Config{}
	armed := 0
	for _, t := range due {
		// expiry first: no reminders for the dead
		if t.ScheduledAt.Add(s.cfg.ExpireAfter).Before(now) {
			if _, err := s.tasks.Expire(ctx, t.ID); err != nil {
				s.log.Warn("expire failed", logx.String("task", t.ID), logx.Err(err))
			}
			continue
		}

		cfg, ok := cfgs[t.UserKey]
		if !ok {
			var err error
			cfg, err = s.schedules.Get(ctx, t.UserKey)
			if err != nil {
				// degraded read served cache/defaults; still usable
				s.log.Debug("schedule degraded during sweep", logx.String("user", t.UserKey))
			}
			cfgs[t.UserKey] = cfg
		}

		weekend := s.resolver.IsWeekend(t.ScheduledAt.In(cfg.Location()), cfg)
		for _, job := range ComputeJobs(t, cfg, now, weekend) {
			if job.FireAt.Sub(now) > s.cfg.ArmHorizon {
				continue
			}
			if s.arm(job) {
				armed++
			}
		}
	}
	if armed > 0 {
		s.log.Debug("sweep armed reminders", logx.Int("count", armed), logx.Int("tasks", len(due)))
	}
}

// leadPadding returns how far beyond the arm horizon the sweep query
// must reach. A lead of L minutes means the task's scheduled time is L
// minutes past the fire time, so a task must become visible at least L
// before it is scheduled or its reminder is stale by the time the
// sweep first sees it.
func (s *Service) leadPadding(ctx context.Context) time.Duration {
	pad := minLeadPadding
	users, err := s.schedules.Users(ctx)
	if err != nil {
		return pad
	}
	for _, user := range users {
		cfg, _ := s.schedules.Get(ctx, user)
		for _, lead := range cfg.Notifications.ReminderLeadMinutes {
			if d := time.Duration(lead) * time.Minute; d > pad {
				pad = d
			}
		}
	}
	return pad
}

// armedTimer pairs a one-shot timer with the channel that tears down
// its waiting goroutine when the job is disarmed.
type armedTimer struct {
	timer *clock.Timer
	stop  chan struct{}
}

// arm schedules a one-shot absolute-deadline timer for the job. It
// reports whether a new timer was created; an identical job already
// armed is left alone.
func (s *Service) arm(job Job) bool {
	key := deliveryKey(job).Encode()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, exists := s.timers[key]; exists {
		return false
	}
	ver := s.vers[key] + 1
	s.vers[key] = ver

	delay := job.FireAt.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	at := &armedTimer{timer: s.clk.NewTimer(delay), stop: make(chan struct{})}
	s.timers[key] = at
	localKey := key
	localVer := ver
	go func() {
		select {
		case <-at.stop:
			at.timer.Stop()
			return
		case <-at.timer.C:
		}
		s.tmu.Lock()
		if s.vers[localKey] != localVer {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, localKey)
		delete(s.vers, localKey)
		s.tmu.Unlock()
		s.fire(job)
	}()
	return true
}

// Disarm drops any armed timer for the given task (all leads). Fired
// stale jobs are also caught downstream, but dropping the timer saves
// the round trip.
func (s *Service) Disarm(taskID string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for key, at := range s.timers {
		if keyTaskID(key) == taskID {
			close(at.stop)
			delete(s.timers, key)
			delete(s.vers, key)
		}
	}
}

// fire delivers one reminder with the full at-most-once ritual:
// re-verify against durable state, claim the delivery key durably,
// flip the task to reminder_sent, then hand off to the bridge.
func (s *Service) fire(job Job) {
	ctx, cancelf := context.WithTimeout(context.Background(), s.cfg.FireTimeout)
	defer cancelf()
	now := s.clk.Now()

	t, err := s.tasks.Get(ctx, job.TaskID)
	if err != nil {
		s.log.Debug("fired reminder for missing task; dropped", logx.String("task", job.TaskID))
		return
	}
	if !t.Status.Active() || t.Generation != job.Generation || !t.ScheduledAt.Equal(job.ScheduledAt) {
		// rescheduled or completed since this job was computed
		s.log.Debug("stale reminder dropped",
			logx.String("task", job.TaskID),
			logx.Int("lead", job.LeadMinutes))
		return
	}

	cfg, _ := s.schedules.Get(ctx, t.UserKey)
	if !cfg.Notifications.Enabled || !t.NotifyOn {
		return
	}

	key := deliveryKey(job)
	claimed, err := s.store.ClaimDelivery(ctx, key.Encode(), now, now.Add(s.cfg.ClaimTTL))
	if err != nil {
		s.log.Warn("delivery claim failed; reminder deferred to next sweep",
			logx.String("task", job.TaskID), logx.Err(err))
		return
	}
	if !claimed {
		// already fired (restart double-arm, concurrent sweep)
		return
	}

	// pending -> reminder_sent exactly once; later leads find the task
	// already in reminder_sent, which is fine.
	if _, err := s.tasks.MarkReminderSent(ctx, job.TaskID); err != nil {
		s.log.Warn("reminder_sent transition failed", logx.String("task", job.TaskID), logx.Err(err))
	}

	n := s.buildNotification(t, cfg, job, now)
	res, err := s.bridge.Deliver(ctx, n)
	if err != nil {
		s.log.Debug("delivery result",
			logx.String("task", job.TaskID),
			logx.String("result", string(res)),
			logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Kind: eventbus.KindReminderFired,
			User: t.UserKey,
			Data: map[string]any{"task": t.ID, "lead_minutes": job.LeadMinutes, "result": res},
		})
	}
}

func (s *Service) buildNotification(t registry.Task, cfg schedule.Config, job Job, now time.Time) notify.Notification {
	silent := !cfg.Notifications.Sound
	local := now.In(cfg.Location())
	if name, ok := s.resolver.ActiveFocusSession(local, cfg); ok {
		s.log.Debug("focus session active; silent delivery",
			logx.String("task", t.ID), logx.String("session", name))
		silent = true
	}

	body := t.Description
	if body == "" {
		body = fmt.Sprintf("Scheduled for %s", t.ScheduledAt.In(cfg.Location()).Format("15:04"))
	}
	return notify.Notification{
		Key:         deliveryKey(job),
		UserKey:     t.UserKey,
		Title:       fmt.Sprintf("Coming up in %d min: %s", job.LeadMinutes, t.Title),
		Body:        body,
		Tag:         "task-" + t.ID,
		Actions:     []notify.Action{notify.ActionView, notify.ActionComplete, notify.ActionSnooze},
		Silent:      silent,
		ScheduledAt: t.ScheduledAt,
		FireAt:      job.FireAt,
	}
}

func deliveryKey(job Job) notify.DeliveryKey {
	return notify.DeliveryKey{TaskID: job.TaskID, LeadMinutes: job.LeadMinutes, Generation: job.Generation}
}

// keyTaskID extracts the task id from an encoded delivery key.
func keyTaskID(encoded string) string {
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '#' {
			return encoded[:i]
		}
	}
	return encoded
}

// ---- digests ----

// registerDigests (re)installs the daily-summary and weekly-review
// crons for every known user according to their schedule config.
func (s *Service) registerDigests(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	users, err := s.schedules.Users(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		cfg, err := s.schedules.Get(ctx, user)
		if err != nil {
			continue
		}
		s.registerUserDigests(c, user, cfg)
	}
	return nil
}

func (s *Service) registerUserDigests(c *cron.Cron, user string, cfg schedule.Config) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	for _, id := range s.digests[user] {
		c.Remove(id)
	}
	s.digests[user] = nil

	add := func(spec string, kind string) {
		localUser := user
		id, err := c.AddFunc(spec, func() { s.sendDigest(localUser, kind) })
		if err != nil {
			s.log.Warn("digest cron rejected",
				logx.String("user", user), logx.String("spec", spec), logx.Err(err))
			return
		}
		s.digests[user] = append(s.digests[user], id)
	}

	// Digest times are wall-clock in the user's schedule timezone, not
	// the daemon's.
	tz := cfg.Location().String()
	if d := cfg.Notifications.DailySummary; d.Enabled {
		if h, m, err := timectx.ParseHHMM(d.Time); err == nil {
			add(fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, m, h), "daily")
		}
	}
	if w := cfg.Notifications.WeeklyReview; w.Enabled {
		if h, m, err := timectx.ParseHHMM(w.Time); err == nil && w.Day >= 0 && w.Day <= 6 {
			add(fmt.Sprintf("CRON_TZ=%s %d %d * * %d", tz, m, h, w.Day), "weekly")
		}
	}
}

func (s *Service) sendDigest(user, kind string) {
	ctx, cancelf := context.WithTimeout(context.Background(), s.cfg.FireTimeout)
	defer cancelf()
	now := s.clk.Now()
	cfg, _ := s.schedules.Get(ctx, user)
	loc := cfg.Location()
	local := now.In(loc)

	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)
	title := "Today's plan"
	if kind == "weekly" {
		from = from.AddDate(0, 0, -7)
		to = from.AddDate(0, 0, 7)
		title = "Your week in review"
	}

	tasks, err := s.tasks.TasksInWindow(ctx, user, from, to)
	if err != nil {
		s.log.Warn("digest query failed", logx.String("user", user), logx.Err(err))
		return
	}
	done, open := 0, 0
	for _, t := range tasks {
		if t.Status == storage.StatusCompleted {
			done++
		} else if t.Status.Active() {
			open++
		}
	}

	// date-stamped generation keeps the dedup claim unique per day
	gen, _ := strconv.ParseInt(local.Format("20060102"), 10, 64)
	key := notify.DeliveryKey{TaskID: "digest-" + kind + "-" + user, Generation: gen}
	claimed, err := s.store.ClaimDelivery(ctx, key.Encode(), now, now.Add(s.cfg.ClaimTTL))
	if err != nil || !claimed {
		return
	}

	n := notify.Notification{
		Key:       key,
		UserKey:   user,
		Title:     title,
		Body:      fmt.Sprintf("%d task(s) scheduled, %d done, %d open", len(tasks), done, open),
		Tag:       "digest-" + kind,
		Ephemeral: true,
		FireAt:    now,
	}
	if _, err := s.bridge.Deliver(ctx, n); err != nil {
		s.log.Debug("digest delivery", logx.String("user", user), logx.Err(err))
	}
}
