package service

import (
	"context"
	"time"

	"docrelay/internal/constants"
	"docrelay/internal/dedup"

	"github.com/sirupsen/logrus"
)

// SweepMetrics is told about every completed sweep.
type SweepMetrics interface {
	DedupSwept()
}

// Scheduler sweeps expired idempotency records on an interval, on top of the
// opportunistic sweep done per callback.
type Scheduler struct {
	guard    dedup.Guard
	interval time.Duration
	metrics  SweepMetrics
	logger   *logrus.Logger
	now      func() time.Time
	stopCh   chan struct{}
}

func NewScheduler(guard dedup.Guard, interval time.Duration, metrics SweepMetrics, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = constants.DefaultSweepIntervalSec * time.Second
	}
	return &Scheduler{
		guard:    guard,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("Starting dedup sweep scheduler")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.guard.Sweep(ctx, s.now())
	if s.metrics != nil {
		s.metrics.DedupSwept()
	}
	s.logger.Debug("Swept expired message ids")
}
