package session

import "sync"

// Snapshot is the read-only view handed to observers
type Snapshot struct {
	Session   *CallSession `json:"session"`
	Visible   bool         `json:"visible"`
	Minimized bool         `json:"minimized"`
	Version   uint64       `json:"version"`
}

// Reader is the scoped interface given to everything except the reconciler
type Reader interface {
	Snapshot() Snapshot
}

// Store is the single mutable cell holding canonical call state. Only the
// reconciler writes to it; everyone else reads through Reader.
type Store struct {
	mu          sync.RWMutex
	snap        Snapshot
	subscribers []func(Snapshot)
}

// NewStore creates an empty store (no session)
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Update applies fn to the state, bumps the version and notifies subscribers
// after the lock is released.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	fn(&s.snap)
	s.snap.Version++
	snap := s.copyLocked()
	subs := s.subscribers
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return snap
}

// Subscribe registers fn to be called with every new snapshot. Callbacks run
// on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) copyLocked() Snapshot {
	out := s.snap
	out.Session = s.snap.Session.Clone()
	return out
}
