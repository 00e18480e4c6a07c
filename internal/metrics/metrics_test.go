// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesEngineMetrics(t *testing.T) {
	m := NewManager()
	m.Engine.UnitsTotal.WithLabelValues("acted").Add(3)
	m.Engine.ResolveCacheHits.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `xseed_units_total{outcome="acted"} 3`)
	assert.Contains(t, string(body), "xseed_resolve_cache_hits_total 1")
	assert.Contains(t, string(body), "xseed_build_info")
	assert.Contains(t, string(body), "go_goroutines")
}
