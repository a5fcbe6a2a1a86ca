package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "pricewatch/pkg/logx"
)

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff       time.Duration
	maxBackoff       time.Duration
	maxRestarts      int // <=0: unlimited
	restartOnClean   bool
	publishFirstErr  bool
	fatalAfterGiveUp bool
}

// WithBackoff sets the restart backoff window.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithRestartOnCleanExit also restarts fn when it returns nil.
func WithRestartOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.restartOnClean = enabled }
}

// WithPublishFirstError records the first failure in Err while still
// restarting, so /api/status shows a flapping loop.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithFatalAfterGiveUp records the final error (and cancels, with
// WithCancelOnError) once restarts are exhausted.
func WithFatalAfterGiveUp(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalAfterGiveUp = enabled }
}

// next returns the jittered wait for the current backoff and advances it.
func (p *restartPolicy) next(cur *time.Duration) time.Duration {
	wait := min(max(*cur, p.minBackoff), p.maxBackoff)
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int63n(j + 1))
	}
	*cur = min(*cur*2, p.maxBackoff)
	return wait
}

// GoRestart runs fn in a loop, restarting it after errors or panics with
// jittered exponential backoff until the context is cancelled. A run that
// lasted 30s or more resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.minBackoff
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			run := s.stats.begin(name, restarts > 0)
			err := s.call(name, run, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && !p.restartOnClean) {
				s.stats.end(run, nil)
				return
			}
			if err == nil {
				err = errors.New("exited")
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.stats.end(run, err)
			if p.publishFirstErr {
				s.fail(err, false)
			}

			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				if p.fatalAfterGiveUp {
					s.fail(err, true)
				}
				return
			}
			if run.duration() >= 30*time.Second {
				backoff = p.minBackoff
			}
			wait := p.next(&backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}
