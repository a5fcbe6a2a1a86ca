// Package notifier is the Notifier Gateway: a fire-and-forget pipeline that
// pushes price messages to every configured transport adapter.
//
// Notify only enqueues. Workers drain a bounded queue, wait on a shared rate
// limiter, send with a per-attempt timeout and retry with jittered
// exponential backoff. Identical messages for the same adapter inside the
// dedup window are suppressed, so a scheduled check retried after a store
// failure does not page the subscriber twice.
//
// Delivery failures are logged and published on the event bus; they never
// propagate to the caller.
package notifier
