package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Any string value
// may reference environment variables as ${NAME}; see LoadEnv.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Product   ProductConfig   `json:"product"`
	Source    SourceConfig    `json:"source"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Ntfy      NtfyConfig      `json:"ntfy"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Export    ExportConfig    `json:"export"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards warn+ records through the first enabled
// notification adapter.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ProductConfig names the single tracked product and the option selections
// that identify the configuration being priced.
type ProductConfig struct {
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	Currency string          `json:"currency"`
	Options  []ProductOption `json:"options"`
}

type ProductOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SourceConfig selects and tunes the price source strategy.
//
// strategy: "browser" (headless Chrome), "api" (JSON endpoint) or "page"
// (static HTML).
type SourceConfig struct {
	Strategy   string `json:"strategy"`
	Timeout    string `json:"timeout"`
	UserAgent  string `json:"user_agent,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	Browser BrowserSourceConfig `json:"browser"`
	API     APISourceConfig     `json:"api"`
	Page    PageSourceConfig    `json:"page"`
}

type BrowserSourceConfig struct {
	PriceSelector   string `json:"price_selector,omitempty"`
	ConsentSelector string `json:"consent_selector,omitempty"`
	ConsentWait     string `json:"consent_wait,omitempty"`
	ElementWait     string `json:"element_wait,omitempty"`
	SettleDelay     string `json:"settle_delay,omitempty"`
	// Headless defaults to true; pointer so an explicit false is visible.
	Headless *bool  `json:"headless,omitempty"`
	ExecPath string `json:"exec_path,omitempty"`
}

type APISourceConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	PricePath string `json:"price_path,omitempty"`
}

type PageSourceConfig struct {
	PriceSelector string `json:"price_selector,omitempty"`
}

// SchedulerConfig controls the tick driver and the default schedule that is
// seeded when the store has none.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Tick must be shorter than one minute so no trigger minute is skipped.
	Tick     string `json:"tick"`
	Timezone string `json:"timezone,omitempty"`

	DefaultTime    string `json:"default_time,omitempty"`
	DefaultEnabled *bool  `json:"default_enabled,omitempty"`
}

// StorageConfig selects the History Store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pricewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres / redis URL
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeyPrefix   string `json:"key_prefix,omitempty"`   // redis
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type NtfyConfig struct {
	Enabled  bool     `json:"enabled"`
	Server   string   `json:"server,omitempty"`
	Topic    string   `json:"topic"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HTTPConfig controls the status/query server.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// Pprof mounts /debug/pprof/ for loopback clients only.
	Pprof bool `json:"pprof,omitempty"`
}

type ExportConfig struct {
	Kafka KafkaExportConfig `json:"kafka"`
}

type KafkaExportConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}
