package supervisor

import (
	"fmt"
	"sort"
	"time"
)

// TaskStats aggregates runs of every task started under one name.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int           `json:"active"`
	Started     int           `json:"started"`
	Restarts    int           `json:"restarts"`
	Panics      int           `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type taskStats struct{ TaskStats }

// Snapshot lists per-name stats, active tasks first.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Tasks = append(snap.Tasks, st.TaskStats)
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) entry(name string) *taskStats {
	st := s.stats[name]
	if st == nil {
		st = &taskStats{TaskStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.entry(name)
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, started time.Time, err error) {
	s.mu.Lock()
	st := s.entry(name)
	st.Active--
	st.LastRuntime = time.Since(started)
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.entry(name).Panics++
	s.mu.Unlock()
}

func (t TaskStats) String() string {
	return fmt.Sprintf("%s active=%d started=%d restarts=%d panics=%d", t.Name, t.Active, t.Started, t.Restarts, t.Panics)
}
