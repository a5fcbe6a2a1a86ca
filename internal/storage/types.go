package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricewatch/internal/model"
)

var (
	// ErrNoSchedule is returned by MarkFired before any schedule was stored.
	ErrNoSchedule = errors.New("schedule not initialized")
	ErrClosed     = errors.New("store closed")
)

// Store persists observations and the schedule record.
type Store interface {
	Append(ctx context.Context, obs model.Observation) error
	Latest(ctx context.Context) (model.Observation, bool, error)
	// All returns the full history in ascending time order.
	All(ctx context.Context) ([]model.Observation, error)

	GetSchedule(ctx context.Context) (model.ScheduleConfig, bool, error)
	// SetSchedule replaces the singleton record.
	SetSchedule(ctx context.Context, sc model.ScheduleConfig) error
	// MarkFired updates LastFired only.
	MarkFired(ctx context.Context, window string) error

	Ping(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values: "file", "sqlite", "postgres", "redis".
type Config struct {
	Driver      string
	Path        string        // file: directory; sqlite: database file
	DSN         string        // postgres / redis URL
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	KeyPrefix   string        // redis only; default "pricewatch:"
}

type ErrorKind string

const (
	WriteFailure ErrorKind = "write_failure"
	ReadFailure  ErrorKind = "read_failure"
)

// Error is a persistence failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsWriteFailure reports whether err is a failed write.
func IsWriteFailure(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == WriteFailure
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: WriteFailure, Op: op, Err: err}
}

func readErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ReadFailure, Op: op, Err: err}
}
