// Package scheduler decides when background work is allowed to run, based
// on connectivity and page-visibility signals, to avoid wasted work.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/cache"
	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/queue"
)

// Config carries the scheduler's construction parameters.
type Config struct {
	SyncInterval        time.Duration // periodic sync tick
	UpdateCheckInterval time.Duration // opportunistic update/revalidation tick
	ThrottleRetention   time.Duration // revalidation throttle purge horizon
}

// Scheduler drives the sync engine and the cache manager's revalidation
// path on periodic ticks. While paused, no background check is initiated,
// though in-flight work completes; paused time is not caught up, and the
// next natural tick proceeds normally on resume.
type Scheduler struct {
	cfg     Config
	engine  *queue.Engine
	manager *cache.Manager
	logger  *logging.ChanneledLogger
	onSync  func() // notifies foreground clients that a sync event fired
	paused  atomic.Bool
	stopCh  chan struct{}
	stopped atomic.Bool
}

// New creates a scheduler. onSync, if non-nil, runs after each scheduled
// sync tick fires so the foreground can be told a sync event happened.
func New(cfg Config, engine *queue.Engine, manager *cache.Manager, logger *logging.ChanneledLogger, onSync func()) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		manager: manager,
		logger:  logger,
		onSync:  onSync,
		stopCh:  make(chan struct{}),
	}
}

// SetVisible records a page-visibility transition. Hidden pauses scheduled
// background work; visible resumes it at the next natural tick boundary.
func (s *Scheduler) SetVisible(visible bool) {
	if s.paused.Swap(!visible) == !visible {
		return
	}
	if visible {
		s.logger.Scheduler().Info("Resumed by visibility signal")
	} else {
		s.logger.Scheduler().Info("Paused by visibility signal")
	}
}

// Paused reports whether scheduled work is currently suppressed.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Start runs the tick loop until Stop is called.
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Scheduler().Info("Scheduler started",
		"syncInterval", s.cfg.SyncInterval, "updateCheckInterval", s.cfg.UpdateCheckInterval)
}

// Stop halts the tick loop. In-flight work is allowed to complete.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.stopCh)
}

func (s *Scheduler) run() {
	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	updateTicker := time.NewTicker(s.cfg.UpdateCheckInterval)
	defer syncTicker.Stop()
	defer updateTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-syncTicker.C:
			s.SyncTick(context.Background())
		case <-updateTicker.C:
			s.UpdateTick(context.Background())
		}
	}
}

// SyncTick runs one scheduled sync pass. Skipped while paused, and skipped
// without queueing when a delivery attempt is already outstanding.
func (s *Scheduler) SyncTick(ctx context.Context) {
	if s.paused.Load() {
		s.logger.Scheduler().Debug("Sync tick skipped while paused")
		return
	}

	// A stale offline flag would defer forever; verify before deferring.
	if !s.engine.Online() && !s.engine.Probe(ctx) {
		s.logger.Scheduler().Debug("Sync tick skipped, still offline")
		return
	}

	if _, err := s.engine.TrySyncSubmissions(ctx); err != nil {
		if errors.Is(err, queue.ErrSyncInFlight) {
			s.logger.Scheduler().Debug("Sync tick skipped, attempt already in flight")
			return
		}
		s.logger.Scheduler().Debug("Scheduled sync did not complete", "error", err.Error())
	}

	if err := s.engine.SyncAnalytics(ctx); err != nil {
		s.logger.Scheduler().Debug("Scheduled analytics sync did not complete", "error", err.Error())
	}

	if s.onSync != nil {
		s.onSync()
	}
}

// UpdateTick runs one scheduled update check and throttle purge. Skipped
// while paused.
func (s *Scheduler) UpdateTick(ctx context.Context) {
	if s.paused.Load() {
		s.logger.Scheduler().Debug("Update tick skipped while paused")
		return
	}

	if updated, err := s.manager.CheckForUpdate(ctx); err != nil {
		s.logger.Scheduler().Warn("Update check failed", "error", err.Error())
	} else if updated {
		s.logger.Scheduler().Info("Update check installed a new generation set")
	}

	if purged := s.manager.Throttle().Purge(s.cfg.ThrottleRetention); purged > 0 {
		s.logger.Scheduler().Debug("Purged stale throttle entries", "count", purged)
	}
}
