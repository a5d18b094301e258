package synthesis

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	DefaultPerSessionCap = 3
	DefaultMaxAttempts   = 3
	DefaultBaseBackoff   = 200 * time.Millisecond
	DefaultMaxBackoff    = 2 * time.Second
	DefaultTimeout       = 60 * time.Second
)

// Options tune the scheduler. Zero values take the defaults above.
type Options struct {
	PerSessionCap int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Timeout       time.Duration
}

// OptionsFromConfig reads the scheduler settings of the synthesis section.
func OptionsFromConfig(cfg config.SynthesisConfig) Options {
	return Options{
		PerSessionCap: cfg.PerSessionCap,
		MaxAttempts:   cfg.MaxAttempts,
		BaseBackoff:   config.Duration(cfg.BaseBackoff, DefaultBaseBackoff),
		MaxBackoff:    config.Duration(cfg.MaxBackoff, DefaultMaxBackoff),
		Timeout:       config.Duration(cfg.Timeout, DefaultTimeout),
	}
}

func (o Options) withDefaults() Options {
	if o.PerSessionCap <= 0 {
		o.PerSessionCap = DefaultPerSessionCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = DefaultMaxBackoff
		if o.MaxBackoff < o.BaseBackoff {
			o.MaxBackoff = o.BaseBackoff
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Workers   int
	Queued    int
	Running   int
	Sessions  int
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Retries   uint64
}

type sessionSlot struct {
	sem  chan struct{}
	refs int
}

// Scheduler runs synthesis jobs on a fixed pool of backends. All sessions
// share one FIFO queue; each session may have at most PerSessionCap jobs
// queued or running, and Submit blocks while it is at the cap.
type Scheduler struct {
	backends []Backend
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	running map[string]map[*Job]struct{}
	slots   map[string]*sessionSlot
	closed  bool
	closing chan struct{}
	seq     uint64

	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	retries   atomic.Uint64

	wg sync.WaitGroup
}

// NewScheduler starts one worker per backend.
func NewScheduler(backends []Backend, opts Options) (*Scheduler, error) {
	if len(backends) == 0 {
		return nil, errors.New("synthesis: at least one backend is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		backends: backends,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		queue:    list.New(),
		running:  make(map[string]map[*Job]struct{}),
		slots:    make(map[string]*sessionSlot),
		closing:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, b := range backends {
		s.wg.Add(1)
		go s.worker(b)
	}
	log.Printf("[synthesis] scheduler started: %d worker(s), cap %d per session", len(backends), s.opts.PerSessionCap)
	return s, nil
}

// Submit queues req for sessionID. It blocks while the session already has
// PerSessionCap outstanding jobs and returns ctx's error if ctx ends first.
func (s *Scheduler) Submit(ctx context.Context, sessionID string, req Request) (*Job, error) {
	slot, err := s.ref(sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(sessionID)
		return nil, ctx.Err()
	case <-s.closing:
		s.unref(sessionID)
		return nil, ErrSchedulerClosed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-slot.sem
		s.unref(sessionID)
		return nil, ErrSchedulerClosed
	}
	s.seq++
	job := newJob(uuid.NewString(), sessionID, s.seq, req)
	job.slot = slot
	job.elem = s.queue.PushBack(job)
	s.cond.Signal()
	s.mu.Unlock()
	return job, nil
}

// Cancel drops sessionID's queued jobs and marks its running jobs so their
// results are discarded when the backend returns. It returns the number of
// jobs affected.
func (s *Scheduler) Cancel(sessionID string) int {
	s.mu.Lock()
	var dropped []*Job
	for e := s.queue.Front(); e != nil; {
		next := e.Next()
		if job := e.Value.(*Job); job.SessionID == sessionID {
			s.queue.Remove(e)
			job.elem = nil
			dropped = append(dropped, job)
		}
		e = next
	}
	n := len(dropped)
	for job := range s.running[sessionID] {
		job.discard.Store(true)
		n++
	}
	s.mu.Unlock()

	for _, job := range dropped {
		s.terminate(job, StateCancelled, Result{}, ErrCancelled)
	}
	if n > 0 {
		log.Printf("[synthesis] cancelled %d job(s) for session %s", n, sessionID)
	}
	return n
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Workers: len(s.backends), Queued: s.queue.Len(), Sessions: len(s.slots)}
	for _, jobs := range s.running {
		st.Running += len(jobs)
	}
	s.mu.Unlock()
	st.Completed = s.completed.Load()
	st.Failed = s.failed.Load()
	st.Cancelled = s.cancelled.Load()
	st.Retries = s.retries.Load()
	return st
}

// Close stops accepting jobs, cancels queued ones, aborts running backend
// calls and waits for the workers to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	var dropped []*Job
	for e := s.queue.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		job.elem = nil
		dropped = append(dropped, job)
	}
	s.queue.Init()
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, job := range dropped {
		s.terminate(job, StateCancelled, Result{}, ErrCancelled)
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) worker(b Backend) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		job := s.queue.Remove(s.queue.Front()).(*Job)
		job.elem = nil
		job.state.Store(int32(StateRunning))
		jobs := s.running[job.SessionID]
		if jobs == nil {
			jobs = make(map[*Job]struct{})
			s.running[job.SessionID] = jobs
		}
		jobs[job] = struct{}{}
		s.mu.Unlock()

		s.run(b, job)
	}
}

func (s *Scheduler) run(b Backend, job *Job) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.BaseBackoff
	bo.MaxInterval = s.opts.MaxBackoff

	attempts := 0
	op := func() (*Audio, error) {
		if job.discard.Load() {
			return nil, backoff.Permanent(ErrCancelled)
		}
		attempts++
		audio, err := s.attempt(b, job)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return audio, err
	}
	audio, err := backoff.Retry(s.ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.retries.Add(1)
			log.Printf("[synthesis] job %s attempt %d failed, retry in %v: %v", job.ID, attempts, next, err)
		}),
	)

	s.mu.Lock()
	if jobs := s.running[job.SessionID]; jobs != nil {
		delete(jobs, job)
		if len(jobs) == 0 {
			delete(s.running, job.SessionID)
		}
	}
	s.mu.Unlock()

	result := Result{Audio: audio, Attempts: attempts, Backend: b.Name()}
	switch {
	case job.discard.Load() || errors.Is(err, ErrCancelled) || (err != nil && s.ctx.Err() != nil):
		s.terminate(job, StateCancelled, Result{Attempts: attempts, Backend: b.Name()}, ErrCancelled)
	case err != nil:
		log.Printf("[synthesis] job %s failed after %d attempt(s): %v", job.ID, attempts, err)
		s.terminate(job, StateFailed, result, fmt.Errorf("%w: %w", ErrSynthesisFailed, err))
	default:
		s.terminate(job, StateCompleted, result, nil)
	}
}

// attempt makes one bounded backend call.
func (s *Scheduler) attempt(b Backend, job *Job) (*Audio, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	audio, err := b.Synthesize(ctx, job.Request)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrSynthesisTimeout) {
			err = fmt.Errorf("%w after %v: %w", ErrSynthesisTimeout, s.opts.Timeout, err)
		}
		return nil, err
	}
	if audio == nil {
		audio = &Audio{}
	}
	return audio, nil
}

func (s *Scheduler) terminate(job *Job, state State, result Result, err error) {
	if !job.finish(state, result, err) {
		return
	}
	switch state {
	case StateCompleted:
		s.completed.Add(1)
	case StateFailed:
		s.failed.Add(1)
	case StateCancelled:
		s.cancelled.Add(1)
	}
	<-job.slot.sem
	s.unref(job.SessionID)
}

func (s *Scheduler) ref(sessionID string) (*sessionSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	slot := s.slots[sessionID]
	if slot == nil {
		slot = &sessionSlot{sem: make(chan struct{}, s.opts.PerSessionCap)}
		s.slots[sessionID] = slot
	}
	slot.refs++
	return slot, nil
}

func (s *Scheduler) unref(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[sessionID]
	if slot == nil {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(s.slots, sessionID)
	}
}
