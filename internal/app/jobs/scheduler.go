// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labcv/labcv/internal/app/system"
	"github.com/labcv/labcv/internal/logging"
)

// ErrUnknownJob is returned by RunNow for unregistered names.
var ErrUnknownJob = errors.New("unknown job")

// Job is one scheduled task. Schedule accepts standard cron expressions and
// descriptors such as "@every 1m".
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Run records the outcome of a job's executions.
type Run struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// Scheduler owns a cron runner and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	log     *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	runs    map[string]*Run
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Scheduler)(nil)

// NewScheduler creates an idle scheduler. Each run gets at most timeout.
func NewScheduler(timeout time.Duration, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewDefault("jobs")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log,
		timeout: timeout,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		runs:    make(map[string]*Run),
		ctx:     context.Background(),
	}
}

func (s *Scheduler) Name() string { return "jobs" }

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.runs[job.Name] = &Run{Name: job.Name, Schedule: job.Schedule}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.cron.Start()
	s.running = true
	s.log.WithField("jobs", len(s.jobs)).Info("job scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("job scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	_ = s.run(parent, job)
}

func (s *Scheduler) run(parent context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)

	s.mu.Lock()
	r := s.runs[job.Name]
	r.Runs++
	r.LastRun = start
	r.LastError = ""
	if err != nil {
		r.Failures++
		r.LastError = err.Error()
	}
	s.mu.Unlock()

	entry := s.log.WithFields(map[string]interface{}{
		"job":      job.Name,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("job failed")
	} else {
		entry.Debug("job finished")
	}
	return err
}

// Runs returns a snapshot of every job, sorted by name.
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for name, r := range s.runs {
		snapshot := *r
		if id, ok := s.entries[name]; ok {
			snapshot.NextRun = s.cron.Entry(id).Next
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
