package config

import "strings"

const (
	DefaultProductURL   = "https://www.dreams.co.uk/flaxby-oxtons-guild-pocket-sprung-mattress/p/131-01043-configurable"
	DefaultProductName  = "Flaxby Oxtons Guild Pocket Sprung Mattress"
	DefaultNtfyServer   = "https://ntfy.sh"
	DefaultNtfyTopic    = "mattress-price-tracker-flaxby"
	DefaultHTTPAddr     = ":8080"
	DefaultStoragePath  = "./data/pricewatch"
	DefaultScheduleTime = "09:00"
	DefaultTimezone     = "Europe/London"
)

// DefaultProductOptions is the configuration the tracker was built around.
func DefaultProductOptions() []ProductOption {
	return []ProductOption{
		{Name: "Size", Value: "5'0 King"},
		{Name: "Comfort", Value: "Very Firm"},
		{Name: "Zipped", Value: "Non Zipped"},
	}
}

// ApplyDefaults fills zero values in place. It never overrides explicit
// settings and is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}

	p := &cfg.Product
	if strings.TrimSpace(p.URL) == "" {
		p.URL = DefaultProductURL
		if strings.TrimSpace(p.Name) == "" {
			p.Name = DefaultProductName
		}
		if len(p.Options) == 0 {
			p.Options = DefaultProductOptions()
		}
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = "product"
	}
	if p.Currency == "" {
		p.Currency = "£"
	}

	if strings.TrimSpace(cfg.Source.Strategy) == "" {
		cfg.Source.Strategy = "browser"
	}
	if strings.TrimSpace(cfg.Scheduler.Tick) == "" {
		cfg.Scheduler.Tick = "10s"
	}
	if strings.TrimSpace(cfg.Scheduler.Timezone) == "" {
		cfg.Scheduler.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(cfg.Scheduler.DefaultTime) == "" {
		cfg.Scheduler.DefaultTime = DefaultScheduleTime
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "file"
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			cfg.Storage.Path = DefaultStoragePath
		}
	}

	if strings.TrimSpace(cfg.Ntfy.Server) == "" {
		cfg.Ntfy.Server = DefaultNtfyServer
	}
	if strings.TrimSpace(cfg.Ntfy.Topic) == "" {
		cfg.Ntfy.Topic = DefaultNtfyTopic
	}
	if strings.TrimSpace(cfg.Ntfy.Priority) == "" {
		cfg.Ntfy.Priority = "high"
	}
	if cfg.Ntfy.Tags == nil {
		cfg.Ntfy.Tags = []string{"bed", "money"}
	}

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
}

// DefaultNotifier is the runtime notifier config when the section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       128,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 500,
	}
}
