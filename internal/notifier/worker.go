package notifier

import (
	"context"
	"math/rand"
	"time"

	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one job, retrying with backoff. It never returns an error:
// the outcome goes to the log, the history and the bus.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	name := j.adapter.Name()
	log := s.log.With(logx.String("channel", name))
	maxAttempts := 1 + cfg.RetryMax

	var (
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		lastErr = j.adapter.Send(callCtx, j.msg)
		cancel()
		if lastErr == nil {
			break
		}
		log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempts), logx.Int("max", maxAttempts))
		if attempts >= maxAttempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempts)) {
			return
		}
	}

	now := time.Now()
	ev := Event{Channel: name, Key: j.key, Title: j.msg.Title, At: now}
	it := HistoryItem{At: now, Channel: name, Title: j.msg.Title, Body: j.msg.Body, Attempts: attempts}
	if lastErr != nil {
		s.dedup.forget(j.key)
		ev.Error, it.Error = lastErr.Error(), lastErr.Error()
		log.Warn("notification not delivered", logx.Err(lastErr), logx.Int("attempts", attempts))
		eventbus.Emit(s.bus, eventbus.NotifyFailed, ev)
	} else {
		eventbus.Emit(s.bus, eventbus.NotifySent, ev)
	}
	s.appendHistory(it)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered by
// ±30% and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
