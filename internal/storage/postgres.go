package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	// goose wants database/sql; borrow connections from the same pool.
	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, goose.DialectPostgres, "migrations/postgres", log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return readErr("ping", s.pool.Ping(ctx))
}

func (s *postgresStore) Append(ctx context.Context, obs model.Observation) error {
	opts, err := optionsArg(obs.Options)
	if err != nil {
		return writeErr("append", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO observations(id, at, price, currency, options, outcome, error, trigger_tag, source)
		 VALUES($1, $2, $3::numeric, $4, $5::jsonb, $6, $7, $8, $9)`,
		obs.ID, obs.At, priceArg(obs.Price), obs.Currency, opts,
		string(obs.Outcome), nullStr(obs.Error), obs.Trigger, obs.Source,
	)
	return writeErr("append", err)
}

const pgObsColumns = `id, at, price::text, currency, options::text, outcome, error, trigger_tag, source`

func (s *postgresStore) Latest(ctx context.Context) (model.Observation, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgObsColumns+` FROM observations ORDER BY seq DESC LIMIT 1`)
	obs, err := scanPGObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Observation{}, false, nil
	}
	if err != nil {
		return model.Observation{}, false, readErr("latest", err)
	}
	return obs, true, nil
}

func (s *postgresStore) All(ctx context.Context) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgObsColumns+` FROM observations ORDER BY seq ASC`)
	if err != nil {
		return nil, readErr("all", err)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		obs, err := scanPGObservation(rows)
		if err != nil {
			return nil, readErr("all", err)
		}
		out = append(out, obs)
	}
	return out, readErr("all", rows.Err())
}

func scanPGObservation(r rowScanner) (model.Observation, error) {
	var (
		obs      model.Observation
		price    *string
		options  string
		outcome  string
		errorStr *string
	)
	if err := r.Scan(&obs.ID, &obs.At, &price, &obs.Currency, &options, &outcome, &errorStr, &obs.Trigger, &obs.Source); err != nil {
		return obs, err
	}
	var err error
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

func (s *postgresStore) GetSchedule(ctx context.Context) (model.ScheduleConfig, bool, error) {
	var (
		sc   model.ScheduleConfig
		trig string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT enabled, trigger_json::text, last_fired, updated_at FROM schedule WHERE id = 1`,
	).Scan(&sc.Enabled, &trig, &sc.LastFired, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sc, false, nil
	}
	if err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	if err := json.Unmarshal([]byte(trig), &sc.Trigger); err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	return sc, true, nil
}

func (s *postgresStore) SetSchedule(ctx context.Context, sc model.ScheduleConfig) error {
	trig, err := json.Marshal(sc.Trigger)
	if err != nil {
		return writeErr("set_schedule", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedule(id, enabled, trigger_json, last_fired, updated_at) VALUES(1, $1, $2::jsonb, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   enabled = EXCLUDED.enabled, trigger_json = EXCLUDED.trigger_json,
		   last_fired = EXCLUDED.last_fired, updated_at = EXCLUDED.updated_at`,
		sc.Enabled, string(trig), sc.LastFired, sc.UpdatedAt,
	)
	return writeErr("set_schedule", err)
}

func (s *postgresStore) MarkFired(ctx context.Context, window string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedule SET last_fired = $1 WHERE id = 1`, window)
	if err != nil {
		return writeErr("mark_fired", err)
	}
	if tag.RowsAffected() == 0 {
		return writeErr("mark_fired", ErrNoSchedule)
	}
	return nil
}
