package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // timezones must resolve on hosts without zoneinfo
)

// Validate checks a defaulted config. It is also the hot-reload gate, so it
// must reject anything the services would refuse to apply.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.Product.URL)); err != nil {
		add("product.url: %v", err)
	}
	for i, o := range cfg.Product.Options {
		if strings.TrimSpace(o.Name) == "" || strings.TrimSpace(o.Value) == "" {
			add("product.options[%d]: name and value are required", i)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Source.Strategy)) {
	case "browser", "page":
	case "api":
		if strings.TrimSpace(cfg.Source.API.Endpoint) == "" {
			add("source.api.endpoint is required when source.strategy=api")
		}
	default:
		add("source.strategy: unknown %q (want browser, api or page)", cfg.Source.Strategy)
	}
	if cfg.Source.RatePerSec < 0 {
		add("source.rate_per_sec must be >= 0")
	}
	for path, raw := range map[string]string{
		"source.timeout":              cfg.Source.Timeout,
		"source.browser.consent_wait": cfg.Source.Browser.ConsentWait,
		"source.browser.element_wait": cfg.Source.Browser.ElementWait,
		"source.browser.settle_delay": cfg.Source.Browser.SettleDelay,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"ntfy.timeout":                cfg.Ntfy.Timeout,
		"http.read_timeout":           cfg.HTTP.ReadTimeout,
		"http.write_timeout":          cfg.HTTP.WriteTimeout,
		"http.idle_timeout":           cfg.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	tick, err := ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		errs = append(errs, err)
	} else if tick < time.Second || tick >= time.Minute {
		add("scheduler.tick must be between 1s and 59s (got %s)", tick)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: invalid %q: %v", tz, err)
		}
	}
	if _, err := time.Parse("15:04", strings.TrimSpace(cfg.Scheduler.DefaultTime)); err != nil {
		add("scheduler.default_time: want HH:MM, got %q", cfg.Scheduler.DefaultTime)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "postgres", "postgresql", "redis":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required when storage.driver=%s", cfg.Storage.Driver)
		}
	default:
		add("storage.driver: unknown %q", cfg.Storage.Driver)
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add("notifier: numeric fields must be >= 0")
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if cfg.Ntfy.Enabled {
		if strings.TrimSpace(cfg.Ntfy.Topic) == "" {
			add("ntfy.topic is required when ntfy.enabled=true")
		}
		if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.Ntfy.Server)); err != nil {
			add("ntfy.server: %v", err)
		}
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		add("telegram.token and telegram.chat_id are required when telegram.enabled=true")
	}
	if k := cfg.Export.Kafka; k.Enabled && (len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "") {
		add("export.kafka.brokers and export.kafka.topic are required when export.kafka.enabled=true")
	}
	return errors.Join(errs...)
}
