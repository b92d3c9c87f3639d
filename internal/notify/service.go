// Package notify is the notification dispatch bridge: it takes fired
// reminders and delivers them to whatever surface is alive, at most
// once per delivery key.
//
// Foreground-first: attached interactive sinks (SSE clients) get the
// notification inline. Otherwise the notification is queued into an
// async pipeline (worker pool + rate limit + retry) and pushed through
// background adapters.
package notify

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"visaquest/internal/eventbus"
	"visaquest/internal/storage"
	"visaquest/pkg/logx"
)

// TaskState re-checks a task at delivery time. Satisfied by the
// registry service.
type TaskState interface {
	Get(ctx context.Context, id string) (storage.TaskRecord, error)
}

// ForegroundSink shows a notification on an interactive surface.
// Return false when the surface is gone (client disconnected).
type ForegroundSink func(n Notification) bool

type job struct {
	n Notification
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	tasks TaskState

	adapters []Adapter
	limiter  *rate.Limiter

	fgMu    sync.Mutex
	fgSeq   uint64
	fgSinks map[uint64]ForegroundSink

	queue    chan job
	stopCh   chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	// seen guards against the same key becoming visible twice inside
	// one process; the durable claim in storage covers restarts.
	smu  sync.Mutex
	seen map[string]time.Time

	hmu      sync.Mutex
	history  []HistoryItem
	degraded bool
}

func New(cfg Config, tasks TaskState, adapters []Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{
		log:      log,
		bus:      bus,
		tasks:    tasks,
		adapters: adapters,
		fgSinks:  map[uint64]ForegroundSink{},
		seen:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	// fresh queue per run so stale jobs don't survive a stop/start toggle
	s.queue = make(chan job, s.cfg.QueueSize)

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notify worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Any("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("notify bridge started",
		logx.Int("workers", workers),
		logx.Int("adapters", len(s.adapters)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.cancel
	s.stopCh = nil
	s.cancel = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// AttachForeground registers an interactive sink; the returned func
// detaches it. While at least one sink is attached, deliveries are
// foreground-first.
func (s *Service) AttachForeground(sink ForegroundSink) (detach func()) {
	s.fgMu.Lock()
	s.fgSeq++
	id := s.fgSeq
	s.fgSinks[id] = sink
	s.fgMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.fgMu.Lock()
			delete(s.fgSinks, id)
			s.fgMu.Unlock()
		})
	}
}

// Degraded reports that no user-visible delivery channel exists right
// now: no foreground client and no configured background adapter.
func (s *Service) Degraded() bool {
	s.fgMu.Lock()
	fg := len(s.fgSinks)
	s.fgMu.Unlock()
	if fg > 0 {
		return false
	}
	for _, a := range s.adapters {
		if a.Name() != "log" {
			return false
		}
	}
	return true
}

// Deliver routes one notification. At-most-once per DeliveryKey is
// enforced jointly: the reminder scheduler claims the key durably
// before calling, and this in-process guard catches anything that
// slips through concurrent re-arms.
func (s *Service) Deliver(ctx context.Context, n Notification) (DeliveryResult, error) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	queue := s.queue
	s.mu.Unlock()
	if !enabled {
		return ResultFailed, ErrDisabled
	}

	if err := s.checkStale(ctx, n); err != nil {
		// Stale fires are suppressed silently per policy: over-notifying
		// is worse than under-notifying.
		s.log.Debug("stale reminder suppressed",
			logx.String("task", n.Key.TaskID),
			logx.Int("lead", n.Key.LeadMinutes))
		return ResultFailed, err
	}
	if !s.markSeen(n.Key) {
		// Invariant breach: log loudly, show nothing.
		s.log.Error("duplicate delivery suppressed",
			logx.String("task", n.Key.TaskID),
			logx.Int("lead", n.Key.LeadMinutes))
		return ResultFailed, ErrDuplicateDelivery
	}

	if s.deliverForeground(n) {
		s.record(HistoryItem{Key: n.Key, User: n.UserKey, At: time.Now(), Result: ResultShown, Adapter: "foreground"})
		s.publish(n, ResultShown)
		return ResultShown, nil
	}

	if queue == nil {
		s.unsee(n.Key)
		return ResultFailed, ErrStopped
	}
	select {
	case queue <- job{n: n}:
		return ResultQueued, nil
	default:
		s.unsee(n.Key)
		s.log.Warn("notify queue full; dropping",
			logx.String("task", n.Key.TaskID),
			logx.String("user", n.UserKey))
		return ResultFailed, ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return
	}
	// The task may have changed while the job sat in the queue.
	if err := s.checkStale(ctx, j.n); err != nil {
		s.unsee(j.n.Key)
		s.log.Debug("stale reminder dropped in queue", logx.String("task", j.n.Key.TaskID))
		return
	}

	// A foreground client may have appeared while queued; prefer it.
	if s.deliverForeground(j.n) {
		s.record(HistoryItem{Key: j.n.Key, User: j.n.UserKey, At: time.Now(), Result: ResultShown, Adapter: "foreground"})
		s.publish(j.n, ResultShown)
		return
	}

	var lastErr error
	for _, a := range s.adapters {
		lastErr = s.sendWithRetry(ctx, cfg, a, j.n)
		if lastErr == nil {
			s.record(HistoryItem{Key: j.n.Key, User: j.n.UserKey, At: time.Now(), Result: ResultShown, Adapter: a.Name()})
			s.publish(j.n, ResultShown)
			return
		}
	}

	s.unsee(j.n.Key)
	item := HistoryItem{Key: j.n.Key, User: j.n.UserKey, At: time.Now(), Result: ResultFailed}
	if lastErr != nil {
		item.Error = lastErr.Error()
	}
	s.record(item)
	s.log.Warn("notification delivery failed",
		logx.String("task", j.n.Key.TaskID),
		logx.String("user", j.n.UserKey),
		logx.Err(lastErr))
	if s.Degraded() {
		s.markDegraded()
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, a Adapter, n Notification) error {
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		err = a.Send(ctx, n)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt == cfg.RetryMax {
			break
		}
		delay := backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// checkStale re-reads the task: a fire computed against an old
// scheduled time or an inactive status must not become visible.
func (s *Service) checkStale(ctx context.Context, n Notification) error {
	if s.tasks == nil || n.Ephemeral {
		return nil
	}
	t, err := s.tasks.Get(ctx, n.Key.TaskID)
	if err != nil {
		return ErrStaleReminder
	}
	if !t.Status.Active() {
		return ErrStaleReminder
	}
	if t.Generation != n.Key.Generation || !t.ScheduledAt.Equal(n.ScheduledAt) {
		return ErrStaleReminder
	}
	return nil
}

func (s *Service) deliverForeground(n Notification) bool {
	s.fgMu.Lock()
	sinks := make([]ForegroundSink, 0, len(s.fgSinks))
	for _, f := range s.fgSinks {
		sinks = append(sinks, f)
	}
	s.fgMu.Unlock()
	for _, sink := range sinks {
		if sink(n) {
			return true
		}
	}
	return false
}

func (s *Service) markSeen(k DeliveryKey) bool {
	key := k.Encode()
	now := time.Now()
	s.smu.Lock()
	defer s.smu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = now
	// bounded: drop entries older than a day
	if len(s.seen) > 4096 {
		cutoff := now.Add(-24 * time.Hour)
		for k, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, k)
			}
		}
	}
	return true
}

// unsee releases the in-process guard after a non-visible failure so a
// later re-arm can try again. The durable claim stays with the
// scheduler's retry policy.
func (s *Service) unsee(k DeliveryKey) {
	s.smu.Lock()
	delete(s.seen, k.Encode())
	s.smu.Unlock()
}

func (s *Service) publish(n Notification, res DeliveryResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Kind: eventbus.KindNotification,
		User: n.UserKey,
		Data: map[string]any{"notification": n, "result": res},
	})
}

func (s *Service) markDegraded() {
	s.hmu.Lock()
	first := !s.degraded
	s.degraded = true
	s.hmu.Unlock()
	if first {
		s.log.Warn("notification delivery degraded: no visible channel")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindDegraded})
		}
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// History returns a copy of recent delivery outcomes.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func backoffDelay(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	// jitter +-20%
	j := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + j))
	if d < 0 {
		d = 0
	}
	if d > max {
		d = max
	}
	return d
}
