// Package scheduler runs the engine's periodic maintenance: the expiry sweep
// that keeps stored tiers current, and the retry of attestations whose
// anchor never landed.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"identity-service/internal/clock"
)

const (
	reanchorBatch = 500
	jobTimeout    = 5 * time.Minute
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Reanchorer interface {
	ReanchorPending(ctx context.Context, issuedBefore time.Time, limit int) (int, error)
}

type Config struct {
	SweepSchedule  string
	AnchorSchedule string
	// AnchorGrace leaves recent attestations to the in-flight dispatcher.
	AnchorGrace time.Duration
}

type Scheduler struct {
	cron      *cron.Cron
	sweeper   Sweeper
	anchors   Reanchorer
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger
	sweeping  atomic.Bool
	anchoring atomic.Bool
}

func New(sweeper Sweeper, anchors Reanchorer, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.AnchorGrace <= 0 {
		cfg.AnchorGrace = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		anchors: anchors,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the jobs and starts the cron loop. An empty schedule
// disables its job.
func (s *Scheduler) Start() error {
	if s.cfg.SweepSchedule != "" && s.sweeper != nil {
		if err := s.cron.AddFunc(s.cfg.SweepSchedule, s.RunSweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
		}
	}
	if s.cfg.AnchorSchedule != "" && s.anchors != nil {
		if err := s.cron.AddFunc(s.cfg.AnchorSchedule, s.RunReanchor); err != nil {
			return fmt.Errorf("invalid anchor retry schedule %q: %w", s.cfg.AnchorSchedule, err)
		}
	}
	s.cron.Start()
	s.logger.Info("Scheduler started",
		zap.String("sweep", s.cfg.SweepSchedule),
		zap.String("anchor_retry", s.cfg.AnchorSchedule))
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RunSweep performs one expiry sweep. Overlapping runs are skipped.
func (s *Scheduler) RunSweep() {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug("Expiry sweep still running, skipping")
		return
	}
	defer s.sweeping.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("Expiry sweep failed", zap.Int("refreshed", n), zap.Error(err))
		return
	}
	s.logger.Debug("Expiry sweep done", zap.Int("refreshed", n), zap.Duration("took", time.Since(start)))
}

// RunReanchor resubmits unanchored attestations older than the grace period.
func (s *Scheduler) RunReanchor() {
	if !s.anchoring.CompareAndSwap(false, true) {
		s.logger.Debug("Anchor retry still running, skipping")
		return
	}
	defer s.anchoring.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.anchors.ReanchorPending(ctx, s.clock.Now().Add(-s.cfg.AnchorGrace), reanchorBatch)
	if err != nil {
		s.logger.Error("Anchor retry failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Requeued unanchored attestations", zap.Int("count", n))
	}
}
