// Package app wires configuration, logging, storage, the price source, the
// notifier, the scheduler and the HTTP surface into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/export"
	"pricewatch/internal/httpapi"
	"pricewatch/internal/notifier"
	"pricewatch/internal/pricesource"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
	"pricewatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif  *notifier.Service
	sched  *scheduler.Service
	http   *httpapi.Server
	export *export.Exporter
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogConfig(cfg), firstAdapter(adapters))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	src, err := pricesource.New(srcCfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, adapters, log.With(logx.String("comp", "notifier")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, src, store, notif, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		notif: notif,
		sched: sched,
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.http = httpapi.New(hcfg, store, sched, a.statusSections, log.With(logx.String("comp", "http")))
	}
	if k := cfg.Export.Kafka; k.Enabled {
		w, err := export.NewWriter(export.Config{Brokers: k.Brokers, Topic: k.Topic})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.export = export.New(w, bus, 0, log.With(logx.String("comp", "export")))
	}
	return a, nil
}

func firstAdapter(adapters []transport.Adapter) transport.Adapter {
	if len(adapters) == 0 {
		return nil
	}
	return adapters[0]
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject reloads the services could not apply.
		srcCfg, err := mapSourceConfig(cfg)
		if err != nil {
			return err
		}
		if _, err := pricesource.New(srcCfg, logx.Nop()); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err = buildAdapters(cfg)
		return err
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())

	if a.http != nil {
		if err := a.http.Start(); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
	}
	if a.export != nil {
		a.sup.Go("export.kafka", a.export.Run)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}

	a.log.Info("app started")
	return nil
}

// statusSections feeds /api/status.
func (a *App) statusSections(context.Context) map[string]any {
	return map[string]any{
		"supervisor":       a.sup.Snapshot(),
		"notifier":         a.notif.Supervisor().Snapshot(),
		"notifications":    a.notif.History(),
		"events_dropped":   eventbus.Dropped(a.bus),
		"notifier_enabled": a.notif.Enabled(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
