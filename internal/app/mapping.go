package app

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/httpapi"
	"pricewatch/internal/model"
	"pricewatch/internal/notifier"
	"pricewatch/internal/pricesource"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	"pricewatch/internal/transport/ntfy"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		KeyPrefix:   sc.KeyPrefix,
	}, nil
}

func productOptions(cfg *config.Config) model.Options {
	out := make(model.Options, 0, len(cfg.Product.Options))
	for _, o := range cfg.Product.Options {
		out = append(out, model.Option{Name: o.Name, Value: o.Value})
	}
	return out
}

func mapSourceConfig(cfg *config.Config) (pricesource.Config, error) {
	s := cfg.Source
	timeout, err := config.ParseDurationOrDefault("source.timeout", s.Timeout, pricesource.DefaultTimeout)
	if err != nil {
		return pricesource.Config{}, err
	}
	consent, err := config.ParseDurationField("source.browser.consent_wait", s.Browser.ConsentWait)
	if err != nil {
		return pricesource.Config{}, err
	}
	element, err := config.ParseDurationField("source.browser.element_wait", s.Browser.ElementWait)
	if err != nil {
		return pricesource.Config{}, err
	}
	settle, err := config.ParseDurationField("source.browser.settle_delay", s.Browser.SettleDelay)
	if err != nil {
		return pricesource.Config{}, err
	}
	headful := s.Browser.Headless != nil && !*s.Browser.Headless
	return pricesource.Config{
		Strategy:   s.Strategy,
		URL:        cfg.Product.URL,
		Timeout:    timeout,
		UserAgent:  s.UserAgent,
		RatePerSec: s.RatePerSec,
		Browser: pricesource.BrowserConfig{
			PriceSelector:   s.Browser.PriceSelector,
			ConsentSelector: s.Browser.ConsentSelector,
			ConsentWait:     consent,
			ElementWait:     element,
			SettleDelay:     settle,
			Headful:         headful,
			ExecPath:        s.Browser.ExecPath,
		},
		API:  pricesource.APIConfig{Endpoint: s.API.Endpoint, PricePath: s.API.PricePath},
		Page: pricesource.PageConfig{PriceSelector: s.Page.PriceSelector},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick", s.Tick, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	defEnabled := true
	if s.DefaultEnabled != nil {
		defEnabled = *s.DefaultEnabled
	}
	return scheduler.Config{
		Enabled:        s.Enabled,
		Tick:           tick,
		Location:       loc,
		DefaultTime:    s.DefaultTime,
		DefaultEnabled: defEnabled,
		Product: scheduler.Product{
			Name:     cfg.Product.Name,
			URL:      cfg.Product.URL,
			Currency: cfg.Product.Currency,
			Options:  productOptions(cfg),
		},
		Priority: transport.ParsePriority(cfg.Ntfy.Priority),
		Tags:     cfg.Ntfy.Tags,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	send, err := config.ParseDurationField("ntfy.timeout", cfg.Ntfy.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     send,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: h.Addr, ReadTimeout: read, WriteTimeout: write, IdleTimeout: idle, Pprof: h.Pprof}, nil
}

// buildAdapters returns the enabled notification channels, ntfy first.
func buildAdapters(cfg *config.Config) ([]transport.Adapter, error) {
	var out []transport.Adapter
	if cfg.Ntfy.Enabled {
		timeout, err := config.ParseDurationField("ntfy.timeout", cfg.Ntfy.Timeout)
		if err != nil {
			return nil, err
		}
		c, err := ntfy.New(ntfy.Config{Server: cfg.Ntfy.Server, Topic: cfg.Ntfy.Topic, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, nil
}
