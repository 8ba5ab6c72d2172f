package worker

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// JobState is where a job sits in the queue.
type JobState string

const (
	StateWaiting JobState = "WAITING"
	StateRunning JobState = "RUNNING"
)

// JobStatus is one entry of the visible queue.
type JobStatus struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	State       JobState  `json:"state"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

// StatusSet is a concurrent set of job statuses ordered by ID.
type StatusSet struct {
	mu      sync.Mutex
	entries map[int64]JobStatus
}

func NewStatusSet() *StatusSet {
	return &StatusSet{entries: make(map[int64]JobStatus)}
}

func (s *StatusSet) Add(st JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.ID] = st
}

// MarkRunning switches id to RUNNING. Unknown ids are ignored.
func (s *StatusSet) MarkRunning(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[id]
	if !ok {
		return
	}
	st.State = StateRunning
	st.StartedAt = at
	s.entries[id] = st
}

func (s *StatusSet) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Snapshot returns a copy sorted by ID.
func (s *StatusSet) Snapshot() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b JobStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Counts returns how many entries are waiting and running.
func (s *StatusSet) Counts() (waiting, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.entries {
		if st.State == StateRunning {
			running++
		} else {
			waiting++
		}
	}
	return waiting, running
}
