package model

import "time"

type TriggerKind string

const (
	TriggerDaily  TriggerKind = "daily"
	TriggerWeekly TriggerKind = "weekly"
	TriggerCron   TriggerKind = "cron"
)

// Trigger describes when a scheduled check fires. Times are wall clock in
// Timezone (the reference timezone), never the host's local zone.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	Time     string      `json:"time,omitempty"`    // HH:MM (daily, weekly)
	Weekday  string      `json:"weekday,omitempty"` // mon..sun (weekly)
	Cron     string      `json:"cron,omitempty"`    // 5-field expression (cron)
	Timezone string      `json:"timezone,omitempty"`
}

// ScheduleConfig is the singleton schedule record.
//
// LastFired is owned by the scheduler; every other field is owned by the
// API layer.
type ScheduleConfig struct {
	Enabled   bool      `json:"enabled"`
	Trigger   Trigger   `json:"trigger"`
	LastFired string    `json:"last_fired,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
