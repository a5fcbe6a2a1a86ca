package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/model"
	"pricewatch/internal/pricesource"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

// ErrNoPrice is returned by ResendLatest when no check has succeeded yet.
var ErrNoPrice = errors.New("no successful price observation yet")

const alertTitle = "Price Alert"

type Service struct {
	mu  sync.RWMutex
	cfg Config
	src pricesource.Source

	store  storage.Store
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger

	run RunState
	// served is the last window whose observation was appended. Guarded by
	// run; it covers the gap when the LastFired marker could not be saved.
	served string
	// schedMu serialises read-modify-write of the schedule record.
	schedMu sync.Mutex

	lifeMu sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	lastMu sync.Mutex
	last   *TickResult

	now func() time.Time
}

func New(cfg Config, src pricesource.Source, store storage.Store, notify Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		src:    src,
		store:  store,
		notify: notify,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) source() pricesource.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.src
}

// SetSource swaps the price source. Runs already in flight keep the old one.
func (s *Service) SetSource(src pricesource.Source) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

// Apply updates the runtime config. A changed tick restarts the driver.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.c == nil {
		if cfg.Enabled && s.ctx != nil {
			s.startLocked()
		}
		return
	}
	if !cfg.Enabled {
		s.stopLocked(context.Background())
		return
	}
	if old.Tick != cfg.Tick {
		s.stopLocked(context.Background())
		s.startLocked()
	}
}

// Start begins ticking. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.config().Enabled {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	cfg := s.config()
	l := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	)
	ctx := s.ctx
	if _, err := c.AddFunc("@every "+cfg.Tick.String(), func() { s.Tick(ctx, s.now()) }); err != nil {
		s.log.Error("scheduler tick not registered", logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Duration("tick", cfg.Tick), logx.String("tz", cfg.Location.String()))
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop()
	s.c = nil
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Stop halts the tick driver and waits for in-flight ticks until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.ctx == nil {
		return
	}
	c := s.c
	s.c = nil
	if c != nil {
		done := c.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
	}
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.log.Info("scheduler stopped")
}

// Tick evaluates the schedule at now and runs the check when a new window
// is due. Safe to call concurrently; at most one scheduled run executes.
func (s *Service) Tick(ctx context.Context, now time.Time) (res TickResult) {
	res.At = now
	defer func() { s.setLast(res) }()

	sc, err := s.loadSchedule(ctx)
	if err != nil {
		s.log.Warn("schedule unreadable", logx.Err(err))
		res.State, res.Err = StateIdle, err.Error()
		return res
	}
	if !sc.Enabled {
		res.State = StateIdle
		return res
	}
	comp, err := Compile(sc.Trigger, s.config().Location)
	if err != nil {
		s.log.Error("stored trigger invalid", logx.Err(err))
		res.State, res.Err = StateIdle, err.Error()
		return res
	}
	window, due := comp.Window(now)
	res.Window = window
	if !due {
		res.State = StateIdle
		return res
	}
	if sc.LastFired == window {
		res.State = StateSettled
		return res
	}

	if !s.run.TryAcquire() {
		res.State = StateBusy
		return res
	}
	defer s.run.Release()

	// A run that finished between the first read and the acquire has
	// already served the window.
	if cur, ok, err := s.store.GetSchedule(ctx); err == nil && ok && cur.LastFired == window {
		res.State = StateSettled
		return res
	}

	if s.served == window {
		res.State = StateSettled
		if err := s.markFired(ctx, window); err != nil {
			res.Err = err.Error()
		}
		return res
	}

	s.log.Info("scheduled check due", logx.String("window", window))
	if _, err := s.check(ctx, model.ScheduledTrigger(window)); err != nil {
		res.State, res.Err = StateStoreFailed, err.Error()
		return res
	}
	res.State = StateFired
	s.served = window

	if err := s.markFired(ctx, window); err != nil {
		res.Err = err.Error()
	}
	return res
}

func (s *Service) markFired(ctx context.Context, window string) error {
	s.schedMu.Lock()
	err := s.store.MarkFired(ctx, window)
	s.schedMu.Unlock()
	if err != nil {
		s.log.Error("window marker not saved", logx.String("window", window), logx.Err(err))
	}
	return err
}

// CheckNow runs fetch, append and notify synchronously regardless of the
// schedule. It never touches LastFired. The returned error is non-nil only
// when the observation could not be stored; fetch failures are reported in
// the observation's outcome.
func (s *Service) CheckNow(ctx context.Context) (model.Observation, error) {
	return s.check(ctx, model.TriggerManual)
}

func (s *Service) check(ctx context.Context, trigger string) (model.Observation, error) {
	cfg := s.config()
	src := s.source()
	eventbus.Emit(s.bus, eventbus.CheckStarted, CheckEvent{Trigger: trigger})

	start := s.now()
	price, ferr := src.Fetch(ctx, cfg.Product.Options)
	obs := model.Observation{
		ID:       uuid.NewString(),
		At:       s.now().UTC(),
		Currency: cfg.Product.Currency,
		Options:  cfg.Product.Options.Clone(),
		Outcome:  pricesource.Outcome(ferr),
		Trigger:  trigger,
		Source:   src.Name(),
	}
	log := s.log.With(logx.String("trigger", trigger), logx.String("source", obs.Source))
	if ferr == nil {
		obs.Price = decimal.NullDecimal{Decimal: price, Valid: true}
		log.Info("price checked", logx.String("price", obs.FormatPrice()), logx.Duration("took", s.now().Sub(start)))
	} else {
		obs.Error = ferr.Error()
		log.Warn("price check failed", logx.String("outcome", string(obs.Outcome)), logx.Err(ferr))
	}

	if err := s.store.Append(ctx, obs); err != nil {
		log.Error("observation not stored", logx.Err(err))
		eventbus.Emit(s.bus, eventbus.CheckFailed, CheckEvent{Trigger: trigger, Observation: &obs, Error: err.Error()})
		s.send(ctx, s.message("Price Check Not Saved",
			fmt.Sprintf("The %s price check could not be saved: %v", cfg.Product.Name, err)))
		return obs, err
	}

	if obs.Outcome.OK() {
		eventbus.Emit(s.bus, eventbus.CheckCompleted, CheckEvent{Trigger: trigger, Observation: &obs})
		s.send(ctx, s.priceMessage(obs))
	} else {
		eventbus.Emit(s.bus, eventbus.CheckFailed, CheckEvent{Trigger: trigger, Observation: &obs, Error: obs.Error})
		s.send(ctx, s.message("Price Check Failed",
			fmt.Sprintf("Could not read the %s price (%s): %s", cfg.Product.Name, obs.Outcome, obs.Error)))
	}
	return obs, nil
}

// ResendLatest notifies the last successfully observed price again.
func (s *Service) ResendLatest(ctx context.Context) (model.Observation, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return model.Observation{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Outcome.OK() {
			m := s.priceMessage(all[i])
			m.DedupKey = "resend:" + uuid.NewString()
			s.send(ctx, m)
			return all[i], nil
		}
	}
	return model.Observation{}, ErrNoPrice
}

func (s *Service) priceMessage(obs model.Observation) transport.Message {
	m := s.message(alertTitle, fmt.Sprintf("The %s price is now %s", s.config().Product.Name, obs.FormatPrice()))
	m.DedupKey = "obs:" + obs.ID
	return m
}

func (s *Service) message(title, body string) transport.Message {
	cfg := s.config()
	return transport.Message{
		Title:    title,
		Body:     body,
		Priority: cfg.Priority,
		Tags:     append([]string(nil), cfg.Tags...),
		Click:    cfg.Product.URL,
	}
}

// send is fire-and-forget: enqueue errors are only logged.
func (s *Service) send(ctx context.Context, m transport.Message) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(context.WithoutCancel(ctx), m); err != nil {
		s.log.Debug("notification not queued", logx.String("title", m.Title), logx.Err(err))
	}
}

// Schedule returns the stored schedule and its next fire time when enabled.
// Before anything is stored it reports the default without saving it.
func (s *Service) Schedule(ctx context.Context) (ScheduleView, error) {
	sc, ok, err := s.store.GetSchedule(ctx)
	if err != nil {
		return ScheduleView{}, err
	}
	if !ok {
		sc = s.DefaultSchedule()
	}
	if err != nil {
		return ScheduleView{}, err
	}
	return s.view(sc), nil
}

func (s *Service) view(sc model.ScheduleConfig) ScheduleView {
	v := ScheduleView{ScheduleConfig: sc}
	if !sc.Enabled {
		return v
	}
	if comp, err := Compile(sc.Trigger, s.config().Location); err == nil {
		next := comp.Next(s.now())
		if !next.IsZero() {
			v.Next = &next
		}
	}
	return v
}

// UpdateSchedule validates and stores the user-owned fields. LastFired is
// preserved.
func (s *Service) UpdateSchedule(ctx context.Context, u ScheduleUpdate) (ScheduleView, error) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	sc, err := s.seedLocked(ctx)
	if err != nil {
		return ScheduleView{}, err
	}
	if u.Enabled != nil {
		sc.Enabled = *u.Enabled
	}
	if u.Trigger != nil {
		t := *u.Trigger
		t.Kind = model.TriggerKind(strings.ToLower(strings.TrimSpace(string(t.Kind))))
		if _, err := Compile(t, s.config().Location); err != nil {
			return ScheduleView{}, err
		}
		sc.Trigger = t
	}
	sc.UpdatedAt = s.now().UTC()
	if err := s.store.SetSchedule(ctx, sc); err != nil {
		return ScheduleView{}, err
	}
	eventbus.Emit(s.bus, eventbus.ScheduleUpdated, sc)
	s.log.Info("schedule updated",
		logx.Bool("enabled", sc.Enabled),
		logx.String("kind", string(sc.Trigger.Kind)),
		logx.String("time", sc.Trigger.Time),
		logx.String("cron", sc.Trigger.Cron))
	return s.view(sc), nil
}

// DefaultSchedule is the record seeded when the store has none.
func (s *Service) DefaultSchedule() model.ScheduleConfig {
	cfg := s.config()
	return model.ScheduleConfig{
		Enabled: cfg.DefaultEnabled,
		Trigger: model.Trigger{
			Kind:     model.TriggerDaily,
			Time:     cfg.DefaultTime,
			Timezone: cfg.Location.String(),
		},
		UpdatedAt: s.now().UTC(),
	}
}

func (s *Service) loadSchedule(ctx context.Context) (model.ScheduleConfig, error) {
	sc, ok, err := s.store.GetSchedule(ctx)
	if err != nil || ok {
		return sc, err
	}
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.seedLocked(ctx)
}

// seedLocked stores the default schedule unless a record exists. Callers
// hold schedMu.
func (s *Service) seedLocked(ctx context.Context) (model.ScheduleConfig, error) {
	sc, ok, err := s.store.GetSchedule(ctx)
	if err != nil || ok {
		return sc, err
	}
	sc = s.DefaultSchedule()
	if err := s.store.SetSchedule(ctx, sc); err != nil {
		return model.ScheduleConfig{}, err
	}
	s.log.Info("default schedule seeded", logx.String("time", sc.Trigger.Time), logx.String("tz", sc.Trigger.Timezone))
	return sc, nil
}

func (s *Service) setLast(r TickResult) {
	s.lastMu.Lock()
	s.last = &r
	s.lastMu.Unlock()
}

// Snapshot reports driver state for /api/status.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.lifeMu.Lock()
	running := s.c != nil
	s.lifeMu.Unlock()

	snap := Snapshot{
		Running:  running,
		InFlight: s.run.Running(),
		Tick:     s.config().Tick.String(),
	}
	s.lastMu.Lock()
	if s.last != nil {
		r := *s.last
		snap.LastTick = &r
	}
	s.lastMu.Unlock()
	if v, err := s.Schedule(ctx); err == nil {
		snap.Next = v.Next
	}
	return snap
}

// cronLogger routes robfig/cron's logging (and recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
