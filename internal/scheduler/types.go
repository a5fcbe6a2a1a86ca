package scheduler

import (
	"context"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/transport"
)

// State is the outcome of one tick.
type State string

const (
	StateIdle        State = "idle"         // disabled or not due
	StateSettled     State = "settled"      // window already served
	StateBusy        State = "busy"         // another scheduled run holds the flag
	StateFired       State = "fired"        // the check ran this tick
	StateStoreFailed State = "store_failed" // append failed; marker not advanced
)

type TickResult struct {
	State  State     `json:"state"`
	Window string    `json:"window,omitempty"`
	At     time.Time `json:"at"`
	Err    string    `json:"error,omitempty"`
}

// Notifier is the fire-and-forget side of the notifier gateway.
type Notifier interface {
	Notify(ctx context.Context, m transport.Message) error
}

// Product is the tracked product configuration.
type Product struct {
	Name     string
	URL      string
	Currency string
	Options  model.Options
}

// Config is the runtime scheduler configuration.
type Config struct {
	Enabled bool
	Tick    time.Duration
	// Location is the reference timezone for triggers that carry none.
	Location *time.Location

	DefaultTime    string
	DefaultEnabled bool

	Product  Product
	Priority transport.Priority
	Tags     []string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 || c.Tick >= time.Minute {
		c.Tick = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DefaultTime == "" {
		c.DefaultTime = "09:00"
	}
	if c.Product.Name == "" {
		c.Product.Name = "product"
	}
	return c
}

// ScheduleUpdate changes the user-owned schedule fields. Nil fields are kept.
type ScheduleUpdate struct {
	Enabled *bool          `json:"enabled,omitempty"`
	Trigger *model.Trigger `json:"trigger,omitempty"`
}

// ScheduleView is the schedule record plus its next fire time.
type ScheduleView struct {
	model.ScheduleConfig
	Next *time.Time `json:"next,omitempty"`
}

// CheckEvent is the payload of check.* bus events.
type CheckEvent struct {
	Trigger     string             `json:"trigger"`
	Observation *model.Observation `json:"observation,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Snapshot is the scheduler part of /api/status.
type Snapshot struct {
	Running  bool        `json:"running"`
	InFlight bool        `json:"in_flight"`
	Tick     string      `json:"tick"`
	LastTick *TickResult `json:"last_tick,omitempty"`
	Next     *time.Time  `json:"next,omitempty"`
}
