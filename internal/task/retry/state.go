package retry

import (
	"sort"
	"strings"
	"sync"
)

// State counts consecutive failures for one task id.
type State struct {
	Attempts int
}

// Tracker holds per-task State, created lazily on the first failure and
// removed on success.
type Tracker struct {
	mu sync.Mutex
	m  map[string]*State
}

func NewTracker() *Tracker {
	return &Tracker{m: make(map[string]*State)}
}

// Next records a failure for id under a limit of maxAttempts retries.
//
// If the streak already used maxAttempts retries it returns exhausted=true and
// leaves the state untouched. Otherwise it increments Attempts and returns the
// new attempt number (1 for the first retry).
func (t *Tracker) Next(id string, maxAttempts int) (attempt int, exhausted bool) {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]*State)
	}
	st := t.m[id]
	if st == nil {
		st = &State{}
		t.m[id] = st
	}
	if st.Attempts >= maxAttempts {
		return st.Attempts, true
	}
	st.Attempts++
	return st.Attempts, false
}

// Clear removes the state for id. It reports whether a state existed.
func (t *Tracker) Clear(id string) bool {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; !ok {
		return false
	}
	delete(t.m, id)
	return true
}

// Attempts returns the current streak length for id (0 when absent).
func (t *Tracker) Attempts(id string) int {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.m[id]; st != nil {
		return st.Attempts
	}
	return 0
}

// Has reports whether a state exists for id.
func (t *Tracker) Has(id string) bool {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[id]
	return ok
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Entry is a read-only view of one tracked id.
type Entry struct {
	ID       string
	Attempts int
}

// Snapshot returns all tracked states sorted by id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.m))
	for id, st := range t.m {
		if st == nil {
			continue
		}
		out = append(out, Entry{ID: id, Attempts: st.Attempts})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
