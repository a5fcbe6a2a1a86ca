package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 500
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// HistoryItem is one delivered (or finally failed) message, kept for /api/status.
type HistoryItem struct {
	At       time.Time `json:"at"`
	Channel  string    `json:"channel"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Event is the payload of notifier.* bus events.
type Event struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	Title   string    `json:"title"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
