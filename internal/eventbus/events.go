package eventbus

// Event types published by the price-check pipeline.
const (
	CheckStarted   = "check.started"
	CheckCompleted = "check.completed" // Data: CheckEvent
	CheckFailed    = "check.failed"    // Data: CheckEvent; fetch or store failure

	ScheduleUpdated = "schedule.updated"

	NotifyQueued  = "notifier.queued"
	NotifyDeduped = "notifier.deduped"
	NotifyDropped = "notifier.dropped"
	NotifySent    = "notifier.sent"
	NotifyFailed  = "notifier.failed"

	ConfigReloaded = "config.reloaded"
)
