package synthesis

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// State is a job's lifecycle position.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Result is what a finished job hands back to its submitter.
type Result struct {
	Audio    *Audio
	Attempts int
	Backend  string
}

// Job is one queued synthesis request. It doubles as the future for its
// result.
type Job struct {
	ID        string
	SessionID string
	Request   Request
	Seq       uint64

	state     atomic.Int32
	discard   atomic.Bool
	done      chan struct{}
	finishOne sync.Once
	result    Result
	err       error

	slot *sessionSlot
	// guarded by Scheduler.mu
	elem *list.Element
}

func newJob(id, sessionID string, seq uint64, req Request) *Job {
	return &Job{ID: id, SessionID: sessionID, Seq: seq, Request: req, done: make(chan struct{})}
}

func (j *Job) State() State {
	return State(j.state.Load())
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. A failed job returns
// ErrSynthesisFailed; a cancelled one returns ErrCancelled.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// finish records the outcome once. Later calls are ignored.
func (j *Job) finish(state State, result Result, err error) bool {
	finished := false
	j.finishOne.Do(func() {
		j.result = result
		j.err = err
		j.state.Store(int32(state))
		close(j.done)
		finished = true
	})
	return finished
}
