package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is the work performed on every tick.
type Job func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	Schedule cron.Schedule
	Job      Job

	// MaxRuns stops the scheduler after this many started runs (0 = no limit).
	MaxRuns int

	Now    func() time.Time
	After  func(d time.Duration) <-chan time.Time
	Logger *slog.Logger
}

// Scheduler fires Job at each time produced by Schedule. A tick that arrives
// while the previous run is still active is skipped.
type Scheduler struct {
	schedule cron.Schedule
	job      Job
	maxRuns  int
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	active  bool
	started int
	skipped int
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == nil {
		return nil, errors.New("scheduler schedule is nil")
	}
	if cfg.Job == nil {
		return nil, errors.New("scheduler job is nil")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		schedule: cfg.Schedule,
		job:      cfg.Job,
		maxRuns:  cfg.MaxRuns,
		now:      cfg.Now,
		after:    cfg.After,
		logger:   cfg.Logger,
	}, nil
}

// Run blocks, firing the job on schedule until ctx is canceled or MaxRuns
// runs have started. It waits for in-flight runs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		now := s.now().UTC()
		next := s.schedule.Next(now)
		if next.IsZero() {
			return errors.New("schedule has no future activations")
		}
		s.logger.Debug("next scheduled run", "at", next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}

		s.Fire(ctx)
		if s.limitReached() {
			return nil
		}
	}
}

// Fire starts one run in the background unless a run is already active.
// It reports whether a run was started.
func (s *Scheduler) Fire(ctx context.Context) bool {
	s.mu.Lock()
	if s.active {
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("skipping scheduled run: previous run still active")
		return false
	}
	s.active = true
	s.started++
	n := s.started
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.markIdle()
		start := s.now()
		if err := s.job(ctx); err != nil {
			s.logger.Error("scheduled run failed", "run", n, "duration", s.now().Sub(start), "error", err)
			return
		}
		s.logger.Info("scheduled run completed", "run", n, "duration", s.now().Sub(start))
	}()
	return true
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns the number of started and skipped runs.
func (s *Scheduler) Stats() (started, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.skipped
}

func (s *Scheduler) markIdle() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Scheduler) limitReached() bool {
	if s.maxRuns <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started >= s.maxRuns
}
