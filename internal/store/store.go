// Package store keeps the latest runtime state of every polled device.
//
// Each device's state is an immutable snapshot. Writers publish a new
// snapshot under a store-wide lock; readers take no lock and never see a
// partially updated one.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/srg/blepoll/internal/driver"
)

// State is the runtime state of one device.
type State struct {
	DeviceID string
	Name     string
	Kind     driver.Kind

	// Reading is the last successfully decoded reading, nil if none yet.
	Reading     driver.Reading
	LastSuccess time.Time
	LastAttempt time.Time
	LastError   error

	ConsecutiveFailures int
	Available           bool
	NextPoll            time.Time
}

// HasReading reports whether a reading was ever stored.
func (s State) HasReading() bool {
	return s.Reading != nil
}

// AvailableAt applies the staleness window: a device whose last success is
// older than window is reported unavailable even if no failure was recorded
// since. A zero window disables the check.
func (s State) AvailableAt(now time.Time, window time.Duration) bool {
	if !s.Available {
		return false
	}
	if window <= 0 {
		return true
	}
	return !s.LastSuccess.IsZero() && now.Sub(s.LastSuccess) <= window
}

// Store maps device ids to state snapshots.
type Store struct {
	mu     sync.Mutex // serializes writers
	states *hashmap.Map[string, *State]
}

// New returns an empty store.
func New() *Store {
	return &Store{states: hashmap.New[string, *State]()}
}

// Put publishes st for deviceID.
func (s *Store) Put(deviceID string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(deviceID, st)
}

func (s *Store) put(deviceID string, st State) State {
	st.DeviceID = deviceID
	s.states.Set(deviceID, &st)
	return st
}

// Update publishes fn(current) for deviceID and returns it. The zero State is
// passed for unknown devices. Concurrent updates of one device never lose
// each other's changes.
func (s *Store) Update(deviceID string, fn func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur State
	if p, ok := s.states.Get(deviceID); ok {
		cur = *p
	}
	return s.put(deviceID, fn(cur))
}

// Modify is Update restricted to known devices: it reports false and
// publishes nothing when deviceID is absent.
func (s *Store) Modify(deviceID string, fn func(State) State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states.Get(deviceID)
	if !ok {
		return State{}, false
	}
	return s.put(deviceID, fn(*p)), true
}

// Read returns a copy of the state of deviceID.
func (s *Store) Read(deviceID string) (State, bool) {
	p, ok := s.states.Get(deviceID)
	if !ok {
		return State{}, false
	}
	return *p, true
}

// Remove drops deviceID.
func (s *Store) Remove(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states.Del(deviceID)
}

// IDs returns the known device ids, sorted.
func (s *Store) IDs() []string {
	ids := make([]string, 0, s.states.Len())
	s.states.Range(func(id string, _ *State) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of every state, sorted by device id.
func (s *Store) Snapshot() []State {
	out := make([]State, 0, s.states.Len())
	s.states.Range(func(_ string, st *State) bool {
		out = append(out, *st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
