package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/eventbus"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoAdapter = errors.New("notifier has no adapters")
)

type job struct {
	adapter transport.Adapter
	msg     transport.Message
	key     string
}

// Service queues messages and delivers them to every adapter.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	adapters []transport.Adapter
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqWG     sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	dedup *dedupCache

	hmu     sync.Mutex
	history []HistoryItem
}

const historyCap = 200

func New(cfg Config, adapters []transport.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		dedup: newDedupCache(),
	}
	for _, a := range adapters {
		if a != nil {
			s.adapters = append(s.adapters, a)
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Burst equals the per-second rate so a short spike is not serialized.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Apply swaps the runtime config. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetAdapters replaces the delivery adapters for subsequent messages.
func (s *Service) SetAdapters(adapters []transport.Adapter) {
	out := make([]transport.Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a != nil {
			out = append(out, a)
		}
	}
	s.mu.Lock()
	s.adapters = out
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if s.stopping() || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers), logx.Int("adapters", len(s.adapters)))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop refuses new messages and drains the queue until ctx is done, then
// cancels whatever is still sending.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues m for every adapter and returns immediately. The error
// only reports enqueue problems; delivery failures are never returned.
func (s *Service) Notify(ctx context.Context, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return ErrNoAdapter
	}
	q := s.queue
	adapters := append([]transport.Adapter(nil), s.adapters...)
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	var errs []error
	now := time.Now()
	for _, a := range adapters {
		key := dedupKey(a.Name(), m)
		ev := Event{Channel: a.Name(), Key: key, Title: m.Title, At: now}
		if window > 0 && !s.dedup.allow(key, now, window, maxEntries) {
			eventbus.Emit(s.bus, eventbus.NotifyDeduped, ev)
			continue
		}
		select {
		case q <- job{adapter: a, msg: m, key: key}:
			eventbus.Emit(s.bus, eventbus.NotifyQueued, ev)
		default:
			s.dedup.forget(key)
			ev.Error = ErrQueueFull.Error()
			eventbus.Emit(s.bus, eventbus.NotifyDropped, ev)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func dedupKey(channel string, m transport.Message) string {
	h := fnv.New64a()
	if m.DedupKey != "" {
		_, _ = fmt.Fprintf(h, "%s|id|%s", channel, m.DedupKey)
		return fmt.Sprintf("%x", h.Sum64())
	}
	_, _ = fmt.Fprintf(h, "%s|%d|%s|%s", channel, m.Priority, m.Title, m.Body)
	return fmt.Sprintf("%x", h.Sum64())
}
