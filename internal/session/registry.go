package session

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Info is a read-only view of one session for status output.
type Info struct {
	UserID     string
	State      string
	Busy       bool
	LastActive time.Time
}

// Registry holds the live session of every active user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// OnCreate runs once for each newly created session, outside the lock.
	OnCreate func(*Session)
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// GetOrCreate returns the user's session, creating it on first use. Callers
// for the same user always get the same *Session.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	if s, ok = r.sessions[userID]; ok {
		r.mu.Unlock()
		return s
	}
	s = newSession(userID, r.now())
	r.sessions[userID] = s
	r.mu.Unlock()

	if r.OnCreate != nil {
		r.OnCreate(s)
	}
	return s
}

// Acquire returns the user's live session marked busy, creating it on first
// use. Lookup and Begin happen under the registry lock, so eviction cannot
// separate the returned session from the registry.
func (r *Registry) Acquire(userID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		s = newSession(userID, r.now())
		r.sessions[userID] = s
	}
	err := s.Begin()
	r.mu.Unlock()

	if !ok && r.OnCreate != nil {
		r.OnCreate(s)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the user's session if one is live.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Release drops s unless it is busy. It reports whether s was dropped.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Busy() || r.sessions[s.UserID] != s {
		return false
	}
	delete(r.sessions, s.UserID)
	return true
}

// EvictIdle drops sessions that are not busy and have been inactive longer
// than threshold. Durable state is untouched.
func (r *Registry) EvictIdle(threshold time.Duration) int {
	cutoff := r.now().Add(-threshold)
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		if s.Busy() || s.LastActive().After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		n++
	}
	if n > 0 {
		log.Printf("[session] evicted %d idle session(s), %d remain", n, len(r.sessions))
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live sessions ordered by user id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			UserID:     s.UserID,
			State:      s.State().String(),
			Busy:       s.Busy(),
			LastActive: s.LastActive(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
