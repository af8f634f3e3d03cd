package protocol

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PathStatus is the sync health of one path.
type PathStatus struct {
	Path      string
	Attempts  int
	OutOfSync bool
	Err       error
	Since     time.Time
}

// Status tracks paths whose transfers are failing.
// A path absent from the Status is in sync as far as the protocol knows.
// It is safe for concurrent use and may be shared by several peers.
type Status struct {
	clock clockwork.Clock

	mu sync.Mutex
	m  map[string]*PathStatus
}

// NewStatus produces an empty Status. A nil clock means the real one.
func NewStatus(clock clockwork.Clock) *Status {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Status{clock: clock, m: make(map[string]*PathStatus)}
}

// Failed records a failed attempt for path and returns the number of consecutive failures.
func (s *Status) Failed(path string, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.m[path]
	if !ok {
		ps = &PathStatus{Path: path, Since: s.clock.Now()}
		s.m[path] = ps
	}
	ps.Attempts++
	ps.Err = err
	return ps.Attempts
}

// OutOfSync marks path as given up on until the next successful transfer.
func (s *Status) OutOfSync(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.m[path]
	if !ok {
		ps = &PathStatus{Path: path, Since: s.clock.Now()}
		s.m[path] = ps
	}
	ps.OutOfSync = true
	ps.Err = err
}

// Synced clears path.
func (s *Status) Synced(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
}

// Get reports the status of path.
func (s *Status) Get(path string) (PathStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.m[path]; ok {
		return *ps, true
	}
	return PathStatus{Path: path}, false
}

// OutOfSyncPaths lists the paths marked out of sync, sorted.
func (s *Status) OutOfSyncPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p, ps := range s.m {
		if ps.OutOfSync {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
