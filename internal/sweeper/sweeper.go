// Package sweeper runs periodic staleness eviction followed by a snapshot flush.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Target is what the sweeper evicts from and flushes.
type Target interface {
	Evict(maxAge time.Duration, now time.Time) int
	Flush(ctx context.Context) error
}

// Sweeper evicts stations older than the staleness threshold on a fixed
// interval, then flushes. A failed flush is logged and retried on the next run.
type Sweeper struct {
	target    Target
	interval  time.Duration
	staleness time.Duration
	logger    *zap.Logger
	now       func() time.Time
	scheduler *gocron.Scheduler
}

// New returns a Sweeper. interval and staleness must be positive.
func New(target Target, interval, staleness time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.New("sweeper: interval must be positive")
	}
	if staleness <= 0 {
		return nil, errors.New("sweeper: staleness threshold must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		target:    target,
		interval:  interval,
		staleness: staleness,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SweepOnce performs one eviction pass followed by a flush. It returns the
// number evicted and the flush error, if any.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	evicted := s.target.Evict(s.staleness, s.now())
	if evicted > 0 {
		s.logger.Info("evicted stale stations", zap.Int("evicted", evicted), zap.Duration("staleness", s.staleness))
	}
	if err := s.target.Flush(ctx); err != nil {
		s.logger.Warn("sweep flush failed; retrying next interval", zap.Error(err))
		return evicted, err
	}
	return evicted, nil
}

// Start schedules the sweep. The first sweep runs immediately. Runs never
// overlap; a run still in progress when the next is due causes that one to be skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.scheduler != nil {
		return errors.New("sweeper: already started")
	}
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()
	_, err := sched.Every(s.interval).Do(func() {
		_, _ = s.SweepOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("sweeper: schedule: %w", err)
	}
	s.scheduler = sched
	sched.StartAsync()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("staleness", s.staleness))
	return nil
}

// Stop cancels future sweeps. Safe to call when not started.
func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.scheduler = nil
	}
}
