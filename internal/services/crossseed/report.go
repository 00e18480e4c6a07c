// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"time"

	"github.com/rs/zerolog/log"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// Failure is a failed unit as shown in the run summary.
type Failure struct {
	Torrent string      `json:"torrent"`
	Indexer string      `json:"indexer"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DryRun      bool      `json:"dryRun"`

	Torrents int `json:"torrents"`
	Indexers int `json:"indexers"`
	Units    int `json:"units"`
	Matches  int `json:"matches"`
	Actions  int `json:"actions"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	Failures []Failure    `json:"failures"`
	Results  []UnitResult `json:"results"`
}

func (r *Report) add(res UnitResult) {
	r.Results = append(r.Results, res)
	r.Units++
	if res.Matched {
		r.Matches++
	}

	switch res.Outcome {
	case OutcomeActed:
		r.Actions++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
		r.Failures = append(r.Failures, Failure{
			Torrent: res.Torrent,
			Indexer: res.Indexer,
			Kind:    res.FailureKind,
			Message: res.Message,
		})
	}
}

// Status is failed when every unit failed, partial when some did.
func (r *Report) Status() RunStatus {
	switch {
	case r.Failed == 0:
		return RunStatusSuccess
	case r.Failed == r.Units:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// AllFailed reports whether there was work and none of it succeeded.
func (r *Report) AllFailed() bool {
	return r.Units > 0 && r.Failed == r.Units
}

func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Log writes the run summary and one line per failure.
func (r *Report) Log() {
	for _, f := range r.Failures {
		log.Warn().
			Str("torrent", f.Torrent).
			Str("indexer", f.Indexer).
			Str("kind", string(f.Kind)).
			Str("error", f.Message).
			Msg("Cross-seed unit failed")
	}

	log.Info().
		Int("torrents", r.Torrents).
		Int("indexers", r.Indexers).
		Int("units", r.Units).
		Int("matches", r.Matches).
		Int("actions", r.Actions).
		Int("skipped", r.Skipped).
		Int("failed", r.Failed).
		Bool("dryRun", r.DryRun).
		Dur("duration", r.Duration()).
		Str("status", string(r.Status())).
		Msg("Cross-seed run completed")
}
