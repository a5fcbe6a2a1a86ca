package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

const defaultKeyPrefix = "pricewatch:"

// redisStore keeps history in a list (RPUSH keeps insertion order) and the
// schedule in a hash.
type redisStore struct {
	rdb         *redis.Client
	log         logx.Logger
	historyKey  string
	scheduleKey string
}

// markFired sets last_fired only when the schedule hash exists.
var markFiredScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_fired', ARGV[1])
return 1
`)

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("redis dsn is required")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	return newRedisStore(redis.NewClient(opts), cfg.KeyPrefix, log)
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) (*redisStore, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{
		rdb:         rdb,
		log:         log,
		historyKey:  prefix + "history",
		scheduleKey: prefix + "schedule",
	}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Ping(ctx context.Context) error {
	return readErr("ping", s.rdb.Ping(ctx).Err())
}

func (s *redisStore) Append(ctx context.Context, obs model.Observation) error {
	b, err := json.Marshal(obs)
	if err != nil {
		return writeErr("append", err)
	}
	return writeErr("append", s.rdb.RPush(ctx, s.historyKey, b).Err())
}

func (s *redisStore) Latest(ctx context.Context) (model.Observation, bool, error) {
	raw, err := s.rdb.LIndex(ctx, s.historyKey, -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Observation{}, false, nil
	}
	if err != nil {
		return model.Observation{}, false, readErr("latest", err)
	}
	var obs model.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return model.Observation{}, false, readErr("latest", err)
	}
	return obs, true, nil
}

func (s *redisStore) All(ctx context.Context) ([]model.Observation, error) {
	items, err := s.rdb.LRange(ctx, s.historyKey, 0, -1).Result()
	if err != nil {
		return nil, readErr("all", err)
	}
	out := make([]model.Observation, 0, len(items))
	for i, it := range items {
		var obs model.Observation
		if err := json.Unmarshal([]byte(it), &obs); err != nil {
			return nil, readErr("all", fmt.Errorf("item %d: %w", i, err))
		}
		out = append(out, obs)
	}
	return out, nil
}

func (s *redisStore) GetSchedule(ctx context.Context) (model.ScheduleConfig, bool, error) {
	var sc model.ScheduleConfig
	m, err := s.rdb.HGetAll(ctx, s.scheduleKey).Result()
	if err != nil {
		return sc, false, readErr("get_schedule", err)
	}
	if len(m) == 0 {
		return sc, false, nil
	}
	sc.Enabled = m["enabled"] == "1"
	sc.LastFired = m["last_fired"]
	if err := json.Unmarshal([]byte(m["trigger"]), &sc.Trigger); err != nil {
		return sc, false, readErr("get_schedule", fmt.Errorf("trigger: %w", err))
	}
	if v := m["updated_at"]; v != "" {
		if sc.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return sc, false, readErr("get_schedule", fmt.Errorf("updated_at: %w", err))
		}
	}
	return sc, true, nil
}

func (s *redisStore) SetSchedule(ctx context.Context, sc model.ScheduleConfig) error {
	trig, err := json.Marshal(sc.Trigger)
	if err != nil {
		return writeErr("set_schedule", err)
	}
	enabled := "0"
	if sc.Enabled {
		enabled = "1"
	}
	err = s.rdb.HSet(ctx, s.scheduleKey,
		"enabled", enabled,
		"trigger", string(trig),
		"last_fired", sc.LastFired,
		"updated_at", sc.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
	return writeErr("set_schedule", err)
}

func (s *redisStore) MarkFired(ctx context.Context, window string) error {
	n, err := markFiredScript.Run(ctx, s.rdb, []string{s.scheduleKey}, window).Int()
	if err != nil {
		return writeErr("mark_fired", err)
	}
	if n == 0 {
		return writeErr("mark_fired", ErrNoSchedule)
	}
	return nil
}
