// Package scheduler runs the price check when the persisted schedule says so.
//
// A cron "@every <tick>" entry calls Tick. Each tick resolves the schedule's
// trigger to a one-minute window in the trigger's reference timezone and
// runs the check at most once per window:
//
//	IDLE -> DUE -> RUNNING -> SETTLED
//
// The window id (local wall-clock minute, "2006-01-02T15:04") is persisted
// as ScheduleConfig.LastFired only after the observation was appended, so a
// restart inside a served window does not fire again and a failed append is
// retried on the next tick.
package scheduler
