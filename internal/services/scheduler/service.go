// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler drives reconciliation runs, once or on an interval, and
// records each run in the history store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/xseed/internal/models"
	"github.com/autobrr/xseed/internal/services/crossseed"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a run is already in progress")

const (
	defaultInterval    = 6 * time.Hour
	defaultHistorySize = 50
	storeTimeout       = 10 * time.Second
)

// Config controls the run cadence and how much history is kept in memory.
type Config struct {
	Interval    time.Duration
	HistorySize int
	Mode        string
	DryRun      bool
	// Retention prunes persisted runs older than this after every run. Zero keeps everything.
	Retention time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    defaultInterval,
		HistorySize: defaultHistorySize,
	}
}

// Engine runs one reconciliation pass.
type Engine interface {
	Run(ctx context.Context, locals []*crossseed.LocalTorrent, indexers []*crossseed.Indexer) *crossseed.Report
}

// RunStore persists run records. *models.RunStore satisfies it.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) (*models.Run, error)
	Update(ctx context.Context, run *models.Run) (*models.Run, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// LoadFunc returns the local torrents for a pass. It is called on every run so
// new files in the torrents directory are picked up.
type LoadFunc func(ctx context.Context) ([]*crossseed.LocalTorrent, error)

type Service struct {
	cfg      Config
	engine   Engine
	indexers []*crossseed.Indexer
	load     LoadFunc
	store    RunStore

	running atomic.Bool
	now     func() time.Time

	historyMu sync.RWMutex
	history   []models.Run
}

// NewService constructs a Service. store may be nil, in which case runs are
// only kept in memory.
func NewService(cfg Config, engine Engine, indexers []*crossseed.Indexer, load LoadFunc, store RunStore) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Service{
		cfg:      cfg,
		engine:   engine,
		indexers: indexers,
		load:     load,
		store:    store,
		now:      time.Now,
	}
}

// Loop runs immediately and then on every interval until ctx is cancelled.
func (s *Service) Loop(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Msg("Starting scheduler")

	if _, err := s.RunOnce(ctx, models.RunTriggerStartup); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Cross-seed run failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, models.RunTriggerSchedule); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Cross-seed run failed")
			}
		}
	}
}

// RunOnce performs a single pass and records it. The returned error covers
// failures around the pass (loading torrents); unit failures live in the report.
func (s *Service) RunOnce(ctx context.Context, trigger models.RunTrigger) (*crossseed.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	run := &models.Run{
		TriggeredBy: trigger,
		Mode:        s.cfg.Mode,
		DryRun:      s.cfg.DryRun,
		Status:      models.RunStatusRunning,
		StartedAt:   s.now().UTC(),
		Indexers:    len(s.indexers),
	}
	run = s.persistCreate(ctx, run)

	locals, err := s.load(ctx)
	if err != nil {
		err = errors.Wrap(err, "load local torrents")
		msg := err.Error()
		completed := s.now().UTC()
		run.Status = models.RunStatusFailed
		run.CompletedAt = &completed
		run.ErrorMessage = &msg
		s.finish(ctx, run)
		return nil, err
	}
	run.Torrents = len(locals)

	report := s.engine.Run(ctx, locals, s.indexers)
	report.Log()

	applyReport(run, report)
	s.finish(ctx, run)

	return report, nil
}

// Running reports whether a pass is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}

// History returns the most recent runs, newest last. Per-unit results are not
// kept in memory.
func (s *Service) History(limit int) []models.Run {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	runs := s.history
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	out := make([]models.Run, len(runs))
	copy(out, runs)
	return out
}

func (s *Service) finish(ctx context.Context, run *models.Run) {
	s.persistUpdate(ctx, run)
	s.prune(ctx)

	summary := *run
	summary.Results = nil

	s.historyMu.Lock()
	s.history = append(s.history, summary)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.historyMu.Unlock()
}

// Store writes use a context detached from shutdown so the final record of an
// interrupted run still lands.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func (s *Service) persistCreate(ctx context.Context, run *models.Run) *models.Run {
	if s.store == nil {
		return run
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	created, err := s.store.Create(sctx, run)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record run start")
		return run
	}
	return created
}

func (s *Service) persistUpdate(ctx context.Context, run *models.Run) {
	if s.store == nil || run.ID == 0 {
		return
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.store.Update(sctx, run); err != nil {
		log.Warn().Err(err).Int64("runID", run.ID).Msg("Failed to record run result")
	}
}

func (s *Service) prune(ctx context.Context) {
	if s.store == nil || s.cfg.Retention <= 0 {
		return
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.store.Prune(sctx, s.now().UTC().Add(-s.cfg.Retention))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune run history")
		return
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Msg("Pruned run history")
	}
}

func applyReport(run *models.Run, report *crossseed.Report) {
	completed := report.CompletedAt.UTC()
	run.CompletedAt = &completed
	run.Status = models.RunStatus(report.Status())
	run.Torrents = report.Torrents
	run.Indexers = report.Indexers
	run.Units = report.Units
	run.Matches = report.Matches
	run.Actions = report.Actions
	run.Skipped = report.Skipped
	run.Failed = report.Failed

	if report.Failed > 0 {
		msg := fmt.Sprintf("%d of %d units failed", report.Failed, report.Units)
		run.ErrorMessage = &msg
	}

	run.Results = make([]models.RunResult, 0, len(report.Results))
	for _, r := range report.Results {
		run.Results = append(run.Results, models.RunResult{
			Torrent:     r.Torrent,
			Fingerprint: r.Fingerprint,
			Indexer:     r.Indexer,
			Outcome:     string(r.Outcome),
			Action:      string(r.Action),
			Replace:     r.Replace,
			SkipReason:  string(r.SkipReason),
			Candidate:   r.Candidate,
			FailureKind: string(r.FailureKind),
			Message:     r.Message,
		})
	}
}
