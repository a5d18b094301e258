package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionBusy is returned when a user starts a reply while the previous
// one is still running.
var ErrSessionBusy = errors.New("session busy: previous reply still in progress")

// State is where a session's current request is in the pipeline.
type State int32

const (
	StateIdle State = iota
	StateRetrievingMemory
	StateGenerating
	StateStreaming
	StateConsolidating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrievingMemory:
		return "retrieving_memory"
	case StateGenerating:
		return "generating"
	case StateStreaming:
		return "streaming"
	case StateConsolidating:
		return "consolidating"
	}
	return "unknown"
}

// Session is the process-resident state of one user. It is rebuilt from
// durable storage after eviction.
type Session struct {
	UserID    string
	CreatedAt time.Time

	busy       atomic.Bool
	state      atomic.Int32
	lastActive atomic.Int64

	mu       sync.RWMutex
	nickname string
}

func newSession(userID string, now time.Time) *Session {
	s := &Session{UserID: userID, CreatedAt: now}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Begin marks the session busy. Only one request may hold it at a time.
func (s *Session) Begin() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	s.touch()
	return nil
}

// End clears the busy flag. Call it on every exit path.
func (s *Session) End() {
	s.state.Store(int32(StateIdle))
	s.touch()
	s.busy.Store(false)
}

func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// LastActive is the time of the last Begin or End.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

func (s *Session) SetNickname(name string) {
	s.mu.Lock()
	s.nickname = name
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}
