// Package scheduler runs a daemon's poll cycle on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Task is one poll cycle. The executor and watcher implement it.
type Task interface {
	Name() string
	Tick(ctx context.Context) error
}

// Scheduler ticks a Task every interval. A tick that is still running when
// the next one is due causes that one to be skipped.
type Scheduler struct {
	task     Task
	interval time.Duration
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logging.Logger
}

// New creates a scheduler for task. Intervals below one second are rounded up
// to one second by the underlying cron schedule.
func New(task Task, interval time.Duration) (*Scheduler, error) {
	if task == nil {
		return nil, errors.New("scheduler requires a task")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s", interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		task:     task,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.GetDefault().Component("scheduler"),
	}

	cl := cronLogger{s}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc("@every "+interval.String(), func() {
		_ = s.RunOnce(s.ctx)
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule %s: %w", task.Name(), err)
	}
	return s, nil
}

// SetLogger replaces the component logger.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	s.log = l
}

// Start begins ticking in the background. The first tick happens one
// interval after Start; call RunOnce first for an immediate cycle.
func (s *Scheduler) Start() {
	s.log.Info("Scheduler started", "task", s.task.Name(), "interval", s.interval)
	s.cron.Start()
}

// Stop cancels the context of a running tick and waits for it to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	s.log.Info("Scheduler stopped", "task", s.task.Name())
}

// RunOnce runs a single tick synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := s.task.Tick(ctx)
	if err != nil {
		s.log.Warn("Tick failed", "task", s.task.Name(), "elapsed", time.Since(start), "error", err)
		return err
	}
	s.log.Debug("Tick complete", "task", s.task.Name(), "elapsed", time.Since(start))
	return nil
}

// cronLogger routes cron's own logging to the component logger.
type cronLogger struct {
	s *Scheduler
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.log.Error(msg, append(keysAndValues, "error", err)...)
}
