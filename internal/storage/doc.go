// Package storage is the History Store: an append-only log of price
// observations plus the singleton schedule record.
//
// Drivers:
//   - "file":     history.jsonl + schedule.json under a directory
//   - "sqlite":   modernc.org/sqlite, goose migrations
//   - "postgres": pgx/v5 pool, goose migrations
//   - "redis":    list of JSON observations + schedule hash
//
// Every driver reports persistence failures as *Error so callers can tell a
// failed write (do not advance the fired marker) from a failed read.
package storage
