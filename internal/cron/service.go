package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the work of a scheduled job. The returned string is logged as
// the job's result.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"` // "ok" or "error"
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type Job struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	Next     time.Time `json:"next,omitempty"`
	State    JobState  `json:"state"`

	fn    JobFunc
	entry rcron.EntryID
}

var ErrJobNotFound = errors.New("job not found")

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Service runs named jobs on cron schedules with a seconds field. A job
// whose previous run is still going is skipped.
type Service struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "cron").Logger(),
	}
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithChain(rcron.Recover(cronLogger{s.log}), rcron.SkipIfStillRunning(cronLogger{s.log})),
	)
	return s
}

// AddJob registers fn under name. The schedule is validated immediately.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("job name and function are required")
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	job := &Job{Name: name, Schedule: schedule, Enabled: true, fn: fn}
	if err := s.register(job); err != nil {
		return err
	}
	s.jobs[name] = job
	return nil
}

func (s *Service) register(job *Job) error {
	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	job.entry = id
	return nil
}

func (s *Service) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.log.Info().Int("jobs", n).Msg("started")
}

// Stop halts scheduling and waits for running jobs up to timeout.
func (s *Service) Stop(timeout time.Duration) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		s.log.Warn().Msg("stop timeout waiting for running jobs")
	}
	s.cancel()
	s.log.Info().Msg("stopped")
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(name)
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || !job.Enabled {
		s.mu.Unlock()
		return nil
	}
	fn := job.fn
	s.mu.Unlock()

	start := time.Now()
	result, err := fn(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.State.LastRunAt = start
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.log.Error().Err(err).Str("job", name).Msg("job failed")
		return err
	}
	job.State.LastStatus = "ok"
	job.State.LastError = ""
	s.log.Debug().Str("job", name).Str("result", truncate(result, 100)).Dur("took", time.Since(start)).Msg("job done")
	return nil
}

func (s *Service) EnableJob(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if job.Enabled == enabled {
		return nil
	}
	job.Enabled = enabled
	if !enabled {
		s.cron.Remove(job.entry)
		job.entry = 0
		return nil
	}
	return s.register(job)
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return false
	}
	if job.entry != 0 {
		s.cron.Remove(job.entry)
	}
	delete(s.jobs, name)
	return true
}

// ListJobs returns a snapshot of all jobs ordered by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		j.fn = nil
		if job.entry != 0 {
			j.Next = s.cron.Entry(job.entry).Next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
