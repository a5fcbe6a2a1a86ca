package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/pricesource"
	logx "pricewatch/pkg/logx"
)

// startReload fans validated config reloads out to the live services.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// Adapters first so the remote log sink and the notifier agree.
	if !reflect.DeepEqual(oldCfg.Ntfy, newCfg.Ntfy) || !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		if adapters, err := buildAdapters(newCfg); err != nil {
			a.log.Warn("invalid notification adapters; keeping previous", logx.Err(err))
		} else {
			a.notif.SetAdapters(adapters)
			a.logs.SetSender(firstAdapter(adapters))
		}
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) || oldCfg.Product.URL != newCfg.Product.URL {
		srcCfg, err := mapSourceConfig(newCfg)
		if err == nil {
			var src pricesource.Source
			if src, err = pricesource.New(srcCfg, a.logs.Logger()); err == nil {
				a.sched.SetSource(src)
			}
		}
		if err != nil {
			a.log.Warn("invalid source config; keeping previous", logx.Err(err))
		}
	}
	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
