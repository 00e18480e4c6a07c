// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics owns the Prometheus registry exposed on the status listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autobrr/xseed/internal/buildinfo"
	"github.com/autobrr/xseed/internal/services/crossseed"
)

type Manager struct {
	registry *prometheus.Registry
	Engine   *crossseed.ServiceMetrics
}

// NewManager creates a registry with runtime collectors, a build info gauge
// and the engine metrics.
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xseed_build_info",
		Help: "Build information of the running binary",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(buildinfo.Version, buildinfo.Commit).Set(1)
	registry.MustRegister(buildInfo)

	return &Manager{
		registry: registry,
		Engine:   crossseed.NewServiceMetrics(registry),
	}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}
