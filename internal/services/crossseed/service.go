// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package crossseed matches local torrents against indexers and injects the
// cross-seeds it finds into the download client.
package crossseed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/xseed/internal/domain"
)

const (
	defaultConcurrency     = 8
	defaultMutationTimeout = 2 * time.Minute
)

type Options struct {
	Mode        domain.TorrentMode
	Category    string
	Tags        []string
	OutputPath  string
	DryRun      bool
	AddPaused   bool
	SkipRecheck bool
	Concurrency int
	UseCache    bool
	CacheTTL    time.Duration
	// MutationTimeout bounds a client mutation once started; it outlives run cancellation.
	MutationTimeout time.Duration
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *domain.Config) Options {
	return Options{
		Mode:        cfg.Mode(),
		Category:    cfg.TorrentCategory,
		Tags:        cfg.TorrentTags,
		OutputPath:  cfg.OutputPath,
		DryRun:      cfg.DryRun,
		AddPaused:   cfg.AddPaused,
		SkipRecheck: cfg.SkipRecheck,
		Concurrency: cfg.Concurrency,
		UseCache:    cfg.UseCache,
		CacheTTL:    cfg.CacheTTL,
	}
}

// Service coordinates a reconciliation pass over every (torrent, indexer) pair.
type Service struct {
	matcher  *Matcher
	executor *Executor
	locks    *fingerprintLocks
	metrics  *ServiceMetrics

	concurrency     int
	mutationTimeout time.Duration
	dryRun          bool
}

// NewService wires the engine. client may be nil in filesystem mode.
func NewService(client DownloadClient, opts Options, metrics *ServiceMetrics) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = defaultMutationTimeout
	}

	return &Service{
		matcher: NewMatcher(client, MatcherOptions{
			UseCache: opts.UseCache,
			CacheTTL: opts.CacheTTL,
			Metrics:  metrics,
		}),
		executor: NewExecutor(client, ExecutorOptions{
			Mode:        opts.Mode,
			Category:    opts.Category,
			Tags:        opts.Tags,
			OutputPath:  opts.OutputPath,
			DryRun:      opts.DryRun,
			AddPaused:   opts.AddPaused,
			SkipRecheck: opts.SkipRecheck,
		}),
		locks:           newFingerprintLocks(),
		metrics:         metrics,
		concurrency:     opts.Concurrency,
		mutationTimeout: opts.MutationTimeout,
		dryRun:          opts.DryRun,
	}
}

func (s *Service) Close() {
	s.matcher.Close()
}

// Run processes the full cross product of locals and indexers. Unit failures
// are collected in the report and never stop other units. Cancelling ctx stops
// new units from starting; mutations already under way are allowed to finish.
func (s *Service) Run(ctx context.Context, locals []*LocalTorrent, indexers []*Indexer) *Report {
	report := &Report{
		StartedAt: time.Now(),
		DryRun:    s.dryRun,
		Torrents:  len(locals),
		Indexers:  len(indexers),
		Failures:  []Failure{},
	}

	log.Info().
		Int("torrents", len(locals)).
		Int("indexers", len(indexers)).
		Int("concurrency", s.concurrency).
		Bool("dryRun", s.dryRun).
		Msg("Starting cross-seed run")

	results := make([]UnitResult, len(locals)*len(indexers))

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, local := range locals {
		for j, indexer := range indexers {
			n := i*len(indexers) + j
			if ctx.Err() != nil {
				results[n] = shutdownResult(local, indexer)
				continue
			}
			g.Go(func() error {
				results[n] = s.processUnit(ctx, local, indexer)
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, res := range results {
		report.add(res)
		s.metrics.observeUnit(res)
	}
	report.CompletedAt = time.Now()
	if s.metrics != nil {
		s.metrics.RunDuration.Observe(report.Duration().Seconds())
	}

	return report
}

func shutdownResult(local *LocalTorrent, indexer *Indexer) UnitResult {
	return UnitResult{
		Torrent:     local.Name,
		Fingerprint: local.Fingerprint,
		Indexer:     indexer.Name,
		Outcome:     OutcomeSkipped,
		SkipReason:  SkipReasonShutdown,
	}
}

func (s *Service) processUnit(ctx context.Context, local *LocalTorrent, indexer *Indexer) (res UnitResult) {
	start := time.Now()
	res = UnitResult{
		Torrent:     local.Name,
		Fingerprint: local.Fingerprint,
		Indexer:     indexer.Name,
		DryRun:      s.dryRun,
	}
	defer func() {
		res.Duration = time.Since(start)
	}()

	if ctx.Err() != nil {
		return shutdownResult(local, indexer)
	}

	candidate, reason, err := s.matcher.Match(ctx, local, indexer)
	if err != nil {
		if ctx.Err() != nil {
			return shutdownResult(local, indexer)
		}
		return failed(res, err)
	}
	if candidate == nil {
		res.Outcome = OutcomeSkipped
		res.SkipReason = reason
		log.Debug().
			Str("torrent", local.Name).
			Str("indexer", indexer.Name).
			Str("reason", string(reason)).
			Msg("No cross-seed opportunity")
		return res
	}

	res.Matched = true
	res.Candidate = candidate.Title

	lock := s.locks.get(local.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	// Waiting for the lock may have outlasted the run.
	if ctx.Err() != nil {
		res.Outcome = OutcomeSkipped
		res.SkipReason = SkipReasonShutdown
		return res
	}

	mutationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mutationTimeout)
	defer cancel()

	action, err := s.executor.Execute(mutationCtx, local, candidate)
	res.Action = action.Kind
	res.Replace = action.Replace
	if err != nil {
		return failed(res, err)
	}
	if action.Kind == ActionSkip {
		res.Outcome = OutcomeSkipped
		res.SkipReason = action.Reason
		return res
	}

	res.Outcome = OutcomeActed
	return res
}

func failed(res UnitResult, err error) UnitResult {
	res.Outcome = OutcomeFailed
	res.Message = err.Error()

	var ue *UnitError
	if errors.As(err, &ue) {
		res.FailureKind = ue.Kind
	} else {
		res.FailureKind = FailureClient
	}

	log.Debug().
		Err(err).
		Str("torrent", res.Torrent).
		Str("indexer", res.Indexer).
		Str("kind", string(res.FailureKind)).
		Msg("Cross-seed unit failed")
	return res
}
