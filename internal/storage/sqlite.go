package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: pragmas stick and writes are serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite", log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return readErr("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Append(ctx context.Context, obs model.Observation) error {
	opts, err := optionsArg(obs.Options)
	if err != nil {
		return writeErr("append", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO observations(id, at, price, currency, options, outcome, error, trigger_tag, source)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		obs.ID, obs.At.Format(time.RFC3339Nano), priceArg(obs.Price), obs.Currency, opts,
		string(obs.Outcome), nullStr(obs.Error), obs.Trigger, obs.Source,
	)
	return writeErr("append", err)
}

const sqliteObsColumns = `id, at, price, currency, options, outcome, error, trigger_tag, source`

func (s *sqliteStore) Latest(ctx context.Context) (model.Observation, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteObsColumns+` FROM observations ORDER BY seq DESC LIMIT 1`)
	obs, err := scanSQLiteObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Observation{}, false, nil
	}
	if err != nil {
		return model.Observation{}, false, readErr("latest", err)
	}
	return obs, true, nil
}

func (s *sqliteStore) All(ctx context.Context) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteObsColumns+` FROM observations ORDER BY seq ASC`)
	if err != nil {
		return nil, readErr("all", err)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		obs, err := scanSQLiteObservation(rows)
		if err != nil {
			return nil, readErr("all", err)
		}
		out = append(out, obs)
	}
	return out, readErr("all", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteObservation(r rowScanner) (model.Observation, error) {
	var (
		obs      model.Observation
		at       string
		price    *string
		options  string
		outcome  string
		errorStr *string
	)
	if err := r.Scan(&obs.ID, &at, &price, &obs.Currency, &options, &outcome, &errorStr, &obs.Trigger, &obs.Source); err != nil {
		return obs, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return obs, fmt.Errorf("observation %s: at: %w", obs.ID, err)
	}
	obs.At = t
	if obs.Price, err = scanPrice(price); err != nil {
		return obs, fmt.Errorf("observation %s: price: %w", obs.ID, err)
	}
	if obs.Options, err = scanOptions(options); err != nil {
		return obs, fmt.Errorf("observation %s: options: %w", obs.ID, err)
	}
	obs.Outcome = model.Outcome(outcome)
	obs.Error = derefStr(errorStr)
	return obs, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context) (model.ScheduleConfig, bool, error) {
	var (
		sc        model.ScheduleConfig
		enabled   int
		trig      string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, trigger_json, last_fired, updated_at FROM schedule WHERE id = 1`,
	).Scan(&enabled, &trig, &sc.LastFired, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, false, nil
	}
	if err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	sc.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(trig), &sc.Trigger); err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	if sc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	return sc, true, nil
}

func (s *sqliteStore) SetSchedule(ctx context.Context, sc model.ScheduleConfig) error {
	trig, err := json.Marshal(sc.Trigger)
	if err != nil {
		return writeErr("set_schedule", err)
	}
	enabled := 0
	if sc.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedule(id, enabled, trigger_json, last_fired, updated_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   enabled=excluded.enabled, trigger_json=excluded.trigger_json,
		   last_fired=excluded.last_fired, updated_at=excluded.updated_at`,
		enabled, string(trig), sc.LastFired, sc.UpdatedAt.Format(time.RFC3339Nano),
	)
	return writeErr("set_schedule", err)
}

func (s *sqliteStore) MarkFired(ctx context.Context, window string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedule SET last_fired = ? WHERE id = 1`, window)
	if err != nil {
		return writeErr("mark_fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return writeErr("mark_fired", err)
	}
	if n == 0 {
		return writeErr("mark_fired", ErrNoSchedule)
	}
	return nil
}
