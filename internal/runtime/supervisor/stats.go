package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates every run started under one name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Runtime     time.Duration `json:"runtime"`
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type statsTable struct {
	mu     sync.Mutex
	byName map[string]*GoroutineStats
}

type runRecord struct {
	st      *GoroutineStats
	started time.Time
}

func (r *runRecord) duration() time.Duration { return time.Since(r.started) }

func (t *statsTable) begin(name string, restart bool) *runRecord {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byName == nil {
		t.byName = map[string]*GoroutineStats{}
	}
	st := t.byName[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.byName[name] = st
	}
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	return &runRecord{st: st, started: now}
}

func (t *statsTable) end(r *runRecord, err error) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := r.st
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.Runtime += now.Sub(r.started)
	if err != nil {
		st.LastErr, st.LastErrAt = err.Error(), now
	}
}

func (t *statsTable) panicked(r *runRecord, p any) {
	t.mu.Lock()
	r.st.Panics++
	r.st.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

// Counters sums the per-name stats.
func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	var c Counters
	for _, st := range s.stats.byName {
		c.Active += st.Active
		c.Started += st.Started
	}
	return c
}

// Snapshot is for status output only, not synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, st := range s.stats.byName {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}
