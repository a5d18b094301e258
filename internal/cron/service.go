package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("cron: unknown job")

// Job is a maintenance task run on a six-field (seconds first) schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (string, error)
}

// JobState is the persisted outcome of a job's runs.
type JobState struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Runs        int    `json:"runs"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type entry struct {
	job     Job
	state   JobState
	entryID rcron.EntryID
	added   bool
}

// Service runs registered jobs until stopped. Runs of the same job never
// overlap.
type Service struct {
	storePath string
	parser    rcron.Parser

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
}

// NewService keeps job state in storePath. An empty path keeps it in memory.
func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		parser:    rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor),
		entries:   make(map[string]*entry),
	}
}

// Register adds a job. Registering a name twice replaces the earlier job.
func (s *Service) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron: job needs a name and a func")
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("cron: job %s schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[job.Name]; ok {
		if old.added && s.cron != nil {
			s.cron.Remove(old.entryID)
		}
		old.job = job
		old.state.Schedule = job.Schedule
		old.added = false
	} else {
		s.order = append(s.order, job.Name)
		s.entries[job.Name] = &entry{job: job, state: JobState{Name: job.Name, Schedule: job.Schedule}}
	}
	if s.cron != nil {
		s.schedule(s.entries[job.Name])
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron: already started")
	}
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load job state: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.ctx, s.cancel, s.stopCh = runCtx, cancel, stopCh
	s.cron = rcron.New(
		rcron.WithParser(s.parser),
		rcron.WithChain(rcron.SkipIfStillRunning(rcron.DefaultLogger)),
	)
	for _, name := range s.order {
		s.schedule(s.entries[name])
	}
	s.cron.Start()
	n := len(s.order)
	s.mu.Unlock()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// schedule requires s.mu.
func (s *Service) schedule(e *entry) {
	name := e.job.Name
	id, err := s.cron.AddFunc(e.job.Schedule, func() { s.execute(name) })
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", name, e.job.Schedule, err)
		return
	}
	e.entryID, e.added = id, true
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopCh, c := s.cancel, s.stopCh, s.cron
	s.cancel, s.stopCh, s.cron = nil, nil, nil
	for _, e := range s.entries {
		e.added = false
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	close(stopCh)

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e.job)
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok || ctx == nil {
		return
	}
	if _, err := s.run(ctx, e.job); err != nil {
		log.Printf("[cron] job %s error: %v", name, err)
	}
}

func (s *Service) run(ctx context.Context, job Job) (string, error) {
	result, err := job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[job.Name]; ok {
		e.state.Runs++
		e.state.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			e.state.LastStatus = "error"
			e.state.LastError = err.Error()
		} else {
			e.state.LastStatus = "ok"
			e.state.LastError = ""
			if result != "" {
				log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
			}
		}
	}
	if saveErr := s.save(); saveErr != nil {
		log.Printf("[cron] save job state: %v", saveErr)
	}
	return result, err
}

// States lists jobs in registration order.
func (s *Service) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].state)
	}
	return out
}

// LoadStates reads persisted job state without starting anything.
func LoadStates(storePath string) ([]JobState, error) {
	data, err := os.ReadFile(storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var states []JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	return states, nil
}

// load restores run history for registered jobs. Requires s.mu.
func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	states, err := LoadStates(s.storePath)
	if err != nil {
		return err
	}
	for _, st := range states {
		if e, ok := s.entries[st.Name]; ok {
			schedule := e.state.Schedule
			e.state = st
			e.state.Schedule = schedule
		}
	}
	return nil
}

// save requires s.mu.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	states := make([]JobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.entries[name].state)
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
