package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID rcron.EntryID
	state   JobState
}

// Service runs named background jobs on cron specs. A job that is still
// running when its next tick arrives skips that tick.
type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*job
	log     *log.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewService(l *log.Logger) *Service {
	l = logger.Component(l, "cron")
	adapter := cronLogger{l: l}
	return &Service{
		cron: rcron.New(
			rcron.WithLogger(adapter),
			rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		),
		jobs: make(map[string]*job),
		log:  l,
		ctx:  context.Background(),
	}
}

// AddSchedule registers fn under name with a standard cron spec or descriptor
// ("@every 5m", "@hourly", "*/5 * * * *").
func (s *Service) AddSchedule(name, spec string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn, state: JobState{Name: name, Spec: spec}}
	if err := s.register(j); err != nil {
		return err
	}
	s.jobs[name] = j
	return nil
}

// AddEvery registers fn to run at a fixed interval.
func (s *Service) AddEvery(name string, every time.Duration, fn JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.AddSchedule(name, "@every "+every.String(), fn)
}

// Reschedule replaces the spec of a registered job.
func (s *Service) Reschedule(name, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	if j.spec == spec {
		return nil
	}
	old := j.entryID
	oldSpec := j.spec
	j.spec = spec
	if err := s.register(j); err != nil {
		j.spec = oldSpec
		return err
	}
	s.cron.Remove(old)
	j.state.Spec = spec
	s.log.Debug("job rescheduled", "job", name, "spec", spec)
	return nil
}

// RescheduleEvery is Reschedule with a fixed interval.
func (s *Service) RescheduleEvery(name string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.Reschedule(name, "@every "+every.String())
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	return true
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(j)
}

// Jobs returns a snapshot of every registered job, sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if s.started {
			st.NextRunAt = s.cron.Entry(j.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", "jobs", n)
}

// Stop cancels running jobs and waits up to 5 seconds for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("stop timeout waiting for running jobs")
	}
	s.log.Info("scheduler stopped")
}

// register must be called with s.mu held.
func (s *Service) register(j *job) error {
	id, err := s.cron.AddFunc(j.spec, func() { _ = s.execute(j) })
	if err != nil {
		return fmt.Errorf("job %s (%s): %w", j.name, j.spec, err)
	}
	j.entryID = id
	return nil
}

func (s *Service) execute(j *job) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := j.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.Runs++
	j.state.LastRunAt = time.Now()
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		s.log.Warn("job failed", "job", j.name, "err", err)
		return err
	}
	j.state.LastStatus = "ok"
	j.state.LastError = ""
	s.log.Debug("job finished", "job", j.name)
	return nil
}

// cronLogger adapts a charm logger to robfig's Logger interface.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
