// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceMetrics contains Prometheus metrics for the reconciliation engine.
type ServiceMetrics struct {
	UnitsTotal        *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	FailuresTotal     *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	ResolveCacheHits  prometheus.Counter
	ResolveSharedHits prometheus.Counter
}

// NewServiceMetrics registers the engine metrics on reg. A nil registerer
// creates unregistered collectors.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	factory := promauto.With(reg)
	return &ServiceMetrics{
		UnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xseed_units_total",
			Help: "Torrent x indexer units processed, by outcome",
		}, []string{"outcome"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xseed_actions_total",
			Help: "Cross-seed actions taken, by kind",
		}, []string{"kind"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xseed_failures_total",
			Help: "Failed units, by failure kind",
		}, []string{"kind"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xseed_run_duration_seconds",
			Help:    "Wall time of a full reconciliation run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		ResolveCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "xseed_resolve_cache_hits_total",
			Help: "Candidate links served from the resolve cache",
		}),
		ResolveSharedHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "xseed_resolve_shared_total",
			Help: "Candidate links whose download was shared with a concurrent unit",
		}),
	}
}

func (m *ServiceMetrics) observeUnit(r UnitResult) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues(string(r.Outcome)).Inc()
	switch r.Outcome {
	case OutcomeActed:
		kind := string(r.Action)
		if r.Replace {
			kind = "replace"
		}
		m.ActionsTotal.WithLabelValues(kind).Inc()
	case OutcomeFailed:
		m.FailuresTotal.WithLabelValues(string(r.FailureKind)).Inc()
	}
}
