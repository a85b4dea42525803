// Package schedule drives the scraper and health-checker background
// passes on a cron schedule, replacing the bespoke ticker loop each of
// those packages would otherwise need with one shared cron.Cron.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler owns a cron.Cron and every job registered against it.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger

	mu      sync.Mutex
	running bool
}

// New builds an empty scheduler. Call AddInterval for each job, then
// Start.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), log: log}
}

// AddInterval registers fn to run every interval, expressed to cron as
// "@every <interval>". cron's @every has one-second granularity: the
// interval is truncated to whole seconds, and anything under one second
// runs once a second. fn is expected to recover its own panics and log
// its own errors — a job that escapes here would otherwise take down the
// whole cron loop.
func (s *Scheduler) AddInterval(name string, interval time.Duration, fn func()) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Debug("scheduled job starting", zap.String("job", name))
		fn()
		s.log.Debug("scheduled job finished", zap.String("job", name))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running every registered job on its interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop ends the cron loop and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.log.Info("scheduler stopped")
}
