package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

// fileStore keeps everything under one directory:
//   - history.jsonl  (append-only JSON Lines, one observation per line)
//   - schedule.json  (replaced atomically via temp file + rename)
//
// History is mirrored in memory so reads never touch the disk.
type fileStore struct {
	log logx.Logger

	mu           sync.RWMutex
	historyFile  *os.File
	schedulePath string
	history      []model.Observation
	schedule     *model.ScheduleConfig
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	historyPath := filepath.Join(dir, "history.jsonl")
	s := &fileStore{log: log, schedulePath: filepath.Join(dir, "schedule.json")}

	if err := trimTornTail(historyPath, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, writeErr("open", err)
	}
	history, err := replayHistory(historyPath, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, readErr("open", err)
	}
	s.history = history

	sc, err := loadSchedule(s.schedulePath)
	switch {
	case err == nil:
		s.schedule = &sc
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, readErr("open", err)
	}

	f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, writeErr("open", err)
	}
	s.historyFile = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.historyFile == nil {
		return readErr("ping", ErrClosed)
	}
	return nil
}

func (s *fileStore) Append(ctx context.Context, obs model.Observation) error {
	_ = ctx
	b, err := json.Marshal(obs)
	if err != nil {
		return writeErr("append", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return writeErr("append", ErrClosed)
	}
	// One write per record keeps lines whole under O_APPEND.
	if _, err := s.historyFile.Write(b); err != nil {
		return writeErr("append", err)
	}
	if err := s.historyFile.Sync(); err != nil {
		return writeErr("append", err)
	}
	obs.Options = obs.Options.Clone()
	s.history = append(s.history, obs)
	return nil
}

func (s *fileStore) Latest(ctx context.Context) (model.Observation, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.historyFile == nil {
		return model.Observation{}, false, readErr("latest", ErrClosed)
	}
	if len(s.history) == 0 {
		return model.Observation{}, false, nil
	}
	obs := s.history[len(s.history)-1]
	obs.Options = obs.Options.Clone()
	return obs, true, nil
}

func (s *fileStore) All(ctx context.Context) ([]model.Observation, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.historyFile == nil {
		return nil, readErr("all", ErrClosed)
	}
	out := make([]model.Observation, len(s.history))
	for i, obs := range s.history {
		obs.Options = obs.Options.Clone()
		out[i] = obs
	}
	return out, nil
}

func (s *fileStore) GetSchedule(ctx context.Context) (model.ScheduleConfig, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.historyFile == nil {
		return model.ScheduleConfig{}, false, readErr("get_schedule", ErrClosed)
	}
	if s.schedule == nil {
		return model.ScheduleConfig{}, false, nil
	}
	return *s.schedule, true, nil
}

func (s *fileStore) SetSchedule(ctx context.Context, sc model.ScheduleConfig) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return writeErr("set_schedule", ErrClosed)
	}
	if err := s.writeScheduleLocked(sc); err != nil {
		return writeErr("set_schedule", err)
	}
	s.schedule = &sc
	return nil
}

func (s *fileStore) MarkFired(ctx context.Context, window string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return writeErr("mark_fired", ErrClosed)
	}
	if s.schedule == nil {
		return writeErr("mark_fired", ErrNoSchedule)
	}
	sc := *s.schedule
	sc.LastFired = window
	if err := s.writeScheduleLocked(sc); err != nil {
		return writeErr("mark_fired", err)
	}
	s.schedule = &sc
	return nil
}

func (s *fileStore) writeScheduleLocked(sc model.ScheduleConfig) error {
	tmp := s.schedulePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(sc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.schedulePath)
}

func loadSchedule(path string) (model.ScheduleConfig, error) {
	var sc model.ScheduleConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(b, &sc)
	return sc, err
}

// trimTornTail cuts a partial final record left by a crash, so the next
// append starts on its own line.
func trimTornTail(path string, log logx.Logger) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(b, '\n') + 1
	log.Warn("truncating torn history record", logx.Int("bytes", len(b)-keep))
	return os.Truncate(path, int64(keep))
}

// replayHistory reads the log, skipping lines that fail to decode (a torn
// final write after a crash).
func replayHistory(path string, log logx.Logger) ([]model.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Observation
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var obs model.Observation
		if err := json.Unmarshal(sc.Bytes(), &obs); err != nil {
			log.Warn("skipping malformed history line", logx.Int("line", line), logx.Err(err))
			continue
		}
		out = append(out, obs)
	}
	return out, sc.Err()
}
